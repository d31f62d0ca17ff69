package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/semrml/storage"
)

func catalogCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage mapping documents stored in NATS KV",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "put <name> <file>",
			Short: "Validate and store a mapping document",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("read mapping: %w", err)
				}
				return withCatalog(cmd.Context(), opts, func(ctx context.Context, c *storage.Catalog) error {
					rec, err := c.PutMapping(ctx, args[0], data)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "stored %s (revision %d, checksum %s)\n", rec.Name, rec.Revision, rec.Checksum)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <name>",
			Short: "Print a stored mapping document",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCatalog(cmd.Context(), opts, func(ctx context.Context, c *storage.Catalog) error {
					rec, err := c.GetMapping(ctx, args[0])
					if err != nil {
						return err
					}
					doc := rec.Document
					if !strings.HasSuffix(doc, "\n") {
						doc += "\n"
					}
					fmt.Fprint(cmd.OutOrStdout(), doc)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored mappings and transformations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCatalog(cmd.Context(), opts, func(ctx context.Context, c *storage.Catalog) error {
					mappings, err := c.ListMappings(ctx)
					if err != nil {
						return err
					}
					functions, err := c.ListTransformations(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintln(out, "Mappings:")
					for _, name := range mappings {
						fmt.Fprintf(out, "  %s\n", name)
					}
					fmt.Fprintln(out, "Transformations:")
					for _, id := range functions {
						fmt.Fprintf(out, "  %s\n", id)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a stored mapping document",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCatalog(cmd.Context(), opts, func(ctx context.Context, c *storage.Catalog) error {
					if err := c.DeleteMapping(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
					return nil
				})
			},
		},
	)

	return cmd
}

// withCatalog connects to NATS and opens the catalog buckets for fn.
func withCatalog(ctx context.Context, opts *globalOptions, fn func(context.Context, *storage.Catalog) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}

	client, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	catalog, err := storage.NewCatalog(ctx, js)
	if err != nil {
		return err
	}
	return fn(ctx, catalog)
}
