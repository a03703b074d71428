package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func hashCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Generate a password hash for HTTP auth",
		Long: `Generate the bcrypt hash stored in http.auth_password_hash.
Prompts for the password when --password is not given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				var confirm string
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewInput().
							Title("Password").
							EchoMode(huh.EchoModePassword).
							Value(&password).
							Validate(func(s string) error {
								if s == "" {
									return fmt.Errorf("password required")
								}
								return nil
							}),
						huh.NewInput().
							Title("Confirm Password").
							EchoMode(huh.EchoModePassword).
							Value(&confirm),
					),
				).WithTheme(huh.ThemeDracula())

				if err := form.Run(); err != nil {
					return err
				}
				if password != confirm {
					return fmt.Errorf("passwords do not match")
				}
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			fmt.Println("Add to your configuration:")
			fmt.Println()
			fmt.Println("http:")
			fmt.Printf("  auth_password_hash: \"%s\"\n", hash)
			return nil
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "Password to hash (prompts when omitted)")

	return cmd
}
