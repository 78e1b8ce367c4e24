package main

import (
	"go.miragespace.co/kv"
	"go.miragespace.co/kv/config"
	"go.miragespace.co/kv/script"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newScriptCmd(o *rootOptions) *cobra.Command {
	var (
		configPath string
		stores     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "script <file.js>",
		Short: "Runs a JavaScript file with stores exposed as kv.<name>",
		Long: "Runs a JavaScript file. Every store from the stores section of\n" +
			"--config and every --store name=uri flag is reachable as\n" +
			"kv.<name>, with promise returning get, put, del, has and keys.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fs := afero.NewOsFs()

			uris := map[string]string{}
			if configPath != "" {
				meta, err := config.Load(fs, configPath)
				if err != nil {
					return err
				}
				for name, uri := range meta.Stores {
					uris[name] = uri
				}
			}
			for name, uri := range stores {
				uris[name] = uri
			}

			manager := kv.NewManager(o.logger)
			defer manager.Close()
			for name, uri := range uris {
				if err := manager.Configure(ctx, name, uri); err != nil {
					return err
				}
			}

			rt, err := script.New(manager, o.logger, script.WithFs(fs))
			if err != nil {
				return err
			}
			return rt.RunFile(ctx, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringToStringVar(&stores, "store", nil, "Named store as name=connection string, repeatable")
	return cmd
}
