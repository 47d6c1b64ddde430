package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginUser     string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the backend",
	Long:  "Sign in and keep the issued token in the data directory. The password is read from stdin when --password is omitted.",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "", "username")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password")
	loginCmd.MarkFlagRequired("username")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	password := loginPassword
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no password given")
		}
		password = strings.TrimRight(line, "\r\n")
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Auth().Login(cmd.Context(), loginUser, password); err != nil {
		return err
	}
	if err := app.Config().SaveToken(app.Auth().Token()); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, colorize(out, ansiGreen, "✓ ")+"Logged in as "+app.Auth().Username())
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	app.Auth().Logout(cmd.Context())
	if err := app.Config().SaveToken(""); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}
