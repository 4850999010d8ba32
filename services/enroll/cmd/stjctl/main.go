package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"stj/pkg/bus"
	"stj/services/delivery"
	"stj/services/directory"
	"stj/services/enroll"
	"stj/services/mdm"
	"stj/services/profiles"
)

// Exit codes: 0 success, 2 invalid input, 3 vendor error, 4 internal.
const (
	exitInvalidInput = 2
	exitVendorError  = 3
	exitInternal     = 4
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, enroll.ErrInvalidInput), errors.Is(err, profiles.ErrInvalidPolicy):
		return exitInvalidInput
	case mdm.KindOf(err) != "" && mdm.KindOf(err) != mdm.KindInternal:
		return exitVendorError
	default:
		return exitInternal
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stjctl",
		Short:         "Utility for managing Screen Time Journey enrollments and profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newEnrollCommand())
	cmd.AddCommand(newRotateProfileCommand())
	cmd.AddCommand(newRevokeCommand())
	cmd.AddCommand(newProfilesCommand())
	return cmd
}

func newEnrollCommand() *cobra.Command {
	var (
		customerID string
		policyID   string
		contact    string
	)

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Run the enrollment coordinator for one customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			coordinator, closeFn, err := newCoordinator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			bundle, err := coordinator.Run(ctx, enroll.Request{
				CustomerID: customerID,
				PolicyID:   policyID,
				Contact:    contact,
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(bundle)
		},
	}

	cmd.Flags().StringVar(&customerID, "customer-id", "", "Customer to enroll")
	cmd.Flags().StringVar(&policyID, "policy", "", "Policy slug to apply")
	cmd.Flags().StringVar(&contact, "contact", "", "Optional email to deliver the enrollment link to")
	_ = cmd.MarkFlagRequired("customer-id")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func newRotateProfileCommand() *cobra.Command {
	var policyID string

	cmd := &cobra.Command{
		Use:   "rotate-profile",
		Short: "Rebuild and republish a policy's configuration profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			coordinator, closeFn, err := newCoordinator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			hosted, err := coordinator.RotateProfile(ctx, policyID)
			if err != nil {
				return err
			}
			if hosted != nil {
				fmt.Fprintf(os.Stdout, "rotated %s -> %s\n", policyID, hosted.DownloadURL)
			} else {
				fmt.Fprintf(os.Stdout, "rotated %s (tenant only)\n", policyID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyID, "policy", "", "Policy slug to rotate")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func newRevokeCommand() *cobra.Command {
	var customerID string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Mark a subscriber revoked in the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			store, err := directory.NewStoreFromEnv(ctx)
			if err != nil {
				return err
			}
			rec, err := store.Revoke(ctx, customerID)
			if err != nil {
				if errors.Is(err, directory.ErrNotFound) {
					return fmt.Errorf("%w: unknown customer %q", enroll.ErrInvalidInput, customerID)
				}
				return err
			}
			fmt.Fprintf(os.Stdout, "revoked %s at %s\n", rec.CustomerID, rec.RevokedAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}

	cmd.Flags().StringVar(&customerID, "customer-id", "", "Customer to revoke")
	_ = cmd.MarkFlagRequired("customer-id")
	return cmd
}

func newProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Profile bundle export and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newProfilesExportCommand())
	cmd.AddCommand(newProfilesImportCommand())
	return cmd
}

func newProfilesExportCommand() *cobra.Command {
	var (
		output    string
		policyIDs []string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build a signed bundle of configuration profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := profiles.NewSignerFromEnv()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}

			if len(policyIDs) == 0 {
				policyIDs = catalog.IDs()
			}
			policies := make([]profiles.Policy, 0, len(policyIDs))
			for _, id := range policyIDs {
				p, ok := catalog.Get(id)
				if !ok {
					return fmt.Errorf("%w: unknown policy %q", enroll.ErrInvalidInput, id)
				}
				policies = append(policies, p)
			}

			_, err = profiles.Export(ctx, profiles.ExportConfig{
				Policies: policies,
				Output:   output,
				Signer:   signer,
				Stdout:   os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringSliceVar(&policyIDs, "policy", nil, "Policy slugs to include (default: all)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newProfilesImportCommand() *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and publish its profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := profiles.NewSignerFromEnv()
			if err != nil {
				return err
			}
			store, err := profiles.NewStoreFromEnv(ctx)
			if err != nil {
				return err
			}
			_, err = profiles.Import(ctx, profiles.ImportConfig{
				BundlePath: bundleFile,
				Store:      store,
				Signer:     signer,
				Stdout:     os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadCatalog() (*profiles.Catalog, error) {
	return profiles.LoadCatalog(os.Getenv("POLICY_CATALOG"))
}

// newCoordinator wires the coordinator from the environment. The profile
// store, delivery channel, and bus are optional and skipped when their
// configuration is absent.
func newCoordinator(ctx context.Context) (*enroll.Coordinator, func(), error) {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	client, err := mdm.NewClientFromEnv(mdm.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	dirStore, err := directory.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := loadCatalog()
	if err != nil {
		return nil, nil, err
	}

	opts := []enroll.Option{enroll.WithLogger(logger)}

	if os.Getenv("PROFILE_BUCKET") != "" {
		store, err := profiles.NewStoreFromEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, enroll.WithProfileStore(store))
	}

	if os.Getenv("SES_FROM") != "" {
		channel, err := delivery.NewEmailChannelFromEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, enroll.WithDeliveryChannel(channel))
	}

	closeFn := func() {}
	b, err := bus.NewFromEnv("stjctl")
	if err != nil {
		logger.Printf("WARN bus unavailable: %v", err)
	} else if b != nil {
		opts = append(opts, enroll.WithBus(b))
		closeFn = func() { b.Close() }
	}

	coordinator := enroll.NewCoordinator(client, enroll.NewDirectory(dirStore), catalog, opts...)
	return coordinator, closeFn, nil
}
