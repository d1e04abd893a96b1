package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/biosleuth/biosleuth/config"
	"github.com/biosleuth/biosleuth/internal/registry"
	srv "github.com/biosleuth/biosleuth/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			client, err := buildClient(cfg)
			if err != nil {
				return err
			}
			s, err := srv.New(context.Background(), cfg, client, registry.New(nil))
			if err != nil {
				return err
			}
			return s.Start()
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
