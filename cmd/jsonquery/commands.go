// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canonical/jsonquery"
	"github.com/canonical/jsonquery/internal/config"
	"github.com/canonical/jsonquery/internal/log"
	"github.com/canonical/jsonquery/internal/server"
)

// app holds what every command needs once the configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	manager    *jsonquery.Manager
}

// run executes the command line args and releases the database.
func run(args []string, stdin io.Reader, stdout io.Writer) error {
	a := &app{}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	err := root.Execute()
	if closeErr := a.close(); err == nil {
		err = closeErr
	}
	return err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "jsonquery",
		Short: "Query relational data with JSON documents",
		Long: `jsonquery runs JSON query documents against the models declared in its
configuration and prints the results as JSON.

Configuration is read from the file given with --config, then from
JSONQUERY_* environment variables (JSONQUERY_DATABASE_DSN sets database.dsn).

Examples:
  jsonquery models
  jsonquery query employees -f query.json --page 2
  echo '{"functions": [{"name": "count", "field": "id"}]}' | jsonquery query employees -f -
  jsonquery get employees 4
  jsonquery serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "configuration file (yaml, toml or json)")

	root.AddCommand(
		a.queryCommand(),
		a.getCommand(),
		a.modelsCommand(),
		a.serveCommand(),
	)
	return root
}

// open loads the configuration, builds the logger and the manager, and
// registers the configured models.
func (a *app) open() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	m, err := jsonquery.Open(cfg.Database.Driver, cfg.Database.DSN,
		jsonquery.WithLogger(logger),
		jsonquery.WithMaxResultsPerPage(cfg.Query.MaxResultsPerPage),
		jsonquery.WithFilterLimits(jsonquery.FilterLimits{
			MaxDepth: cfg.Query.MaxFilterDepth,
			MaxNodes: cfg.Query.MaxFilterNodes,
		}),
		jsonquery.WithReadOnly(cfg.Database.ReadOnly),
	)
	if err != nil {
		return err
	}
	m.DB().SetMaxOpenConns(cfg.Database.MaxOpenConns)
	for _, def := range cfg.Models {
		if err := m.AddDefinition(def); err != nil {
			m.Close()
			return errors.Wrapf(err, "cannot add model %q", def.Name)
		}
	}
	a.cfg, a.logger, a.manager = cfg, logger, m
	return nil
}

func (a *app) close() error {
	if a.manager == nil {
		return nil
	}
	err := a.manager.Close()
	_ = a.logger.Sync()
	return err
}

func (a *app) queryCommand() *cobra.Command {
	var file string
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "query <model>",
		Short: "Run a query document",
		Long: `Run a query document against a model. The document is read from the file
given with -f, or from standard input with -f -. Without -f every record of
the model is returned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := readQuery(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			opts := []jsonquery.SelectOption{jsonquery.Page(page)}
			if cmd.Flags().Changed("per-page") {
				opts = append(opts, jsonquery.ResultsPerPage(perPage))
			}
			result, err := a.manager.Select(cmd.Context(), args[0], query, opts...)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "query document, - for standard input")
	cmd.Flags().IntVar(&page, "page", 1, "page to return")
	cmd.Flags().IntVar(&perPage, "per-page", 0, "results per page, 0 for all (default from query.max_results_per_page)")
	return cmd
}

func (a *app) getCommand() *cobra.Command {
	var field string
	cmd := &cobra.Command{
		Use:   "get <model> <value>",
		Short: "Print the record whose field equals value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager.Model(args[0])
			if err != nil {
				return err
			}
			f, err := m.ResolveField(field)
			if err != nil {
				return err
			}
			value, err := f.Decode(args[1])
			if err != nil {
				return errors.Wrapf(err, "invalid %s value", field)
			}
			record, err := a.manager.SelectByUnique(cmd.Context(), args[0], value, field)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), record)
		},
	}
	cmd.Flags().StringVar(&field, "field", "id", "unique field to match")
	return cmd
}

func (a *app) modelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range a.manager.Models() {
				if _, err := io.WriteString(cmd.OutOrStdout(), name+"\n"); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("listen") {
				listen = a.cfg.Server.Listen
			}
			srv := &http.Server{
				Addr:              listen,
				Handler:           server.New(a.manager, a.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("serving", zap.String("listen", listen))
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from server.listen)")
	return cmd
}

// readQuery decodes the query document named by file.
func readQuery(stdin io.Reader, file string) (map[string]any, error) {
	var r io.Reader
	switch file {
	case "":
		return nil, nil
	case "-":
		r = stdin
	default:
		f, err := os.Open(file)
		if err != nil {
			return nil, errors.Wrap(err, "cannot open query document")
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var query map[string]any
	if err := dec.Decode(&query); err != nil {
		return nil, errors.Wrap(err, "cannot decode query document")
	}
	return query, nil
}

func (a *app) print(w io.Writer, result any) error {
	data, err := a.manager.ToJSON(result)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
