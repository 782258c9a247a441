package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pepeunit/internal/app"
	"pepeunit/internal/config"
	"pepeunit/internal/datapipe"
	"pepeunit/internal/db"
	"pepeunit/internal/domain"
	"pepeunit/internal/migrate"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "pepeunit",
	Short: "Pepeunit backend",
	Long: `Pepeunit routes unit node values between IoT units over MQTT.
- Unit nodes: Output nodes are written by their unit, Input nodes receive values from users or linked Outputs.
- DataPipe: a per-node YAML document that filters, transforms and stores incoming values.
- Records: the time series a DataPipe keeps (NRecords, TimeWindow, Aggregation); CSV import replaces them.
- Permissions: edges granting an agent access to Private resources.`,
	SilenceUsage: true,
}

var errInvalidDocument = errors.New("data pipe document is invalid")

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "settings file (yaml)")
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dataPipeCmd())
	rootCmd.AddCommand(tokenCmd())
}

func loadSettings() (*config.Settings, error) {
	return config.Load(viper.GetViper(), configFile)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, s, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the MQTT ingestion subscriber",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	_ = viper.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().String("broker", "", "MQTT broker url, empty keeps mqtt.broker")
	_ = viper.BindPFlag("mqtt.broker", cmd.Flags().Lookup("broker"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: s.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migrations to %s\n", applied, db.Path(s.Workspace))
			return nil
		},
	}
}

func dataPipeCmd() *cobra.Command {
	dp := &cobra.Command{Use: "datapipe", Short: "Validate, store and import DataPipe documents"}
	dp.AddCommand(dataPipeCheckCmd())
	dp.AddCommand(dataPipeSetCmd())
	dp.AddCommand(dataPipeImportCmd())
	return dp
}

func dataPipeCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report every violated rule of a DataPipe document",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Checking works without a configured instance.
			s, err := loadSettings()
			if err != nil {
				s = config.Default()
			}
			data, err := readInput(file)
			if err != nil {
				return err
			}
			raw, err := datapipe.Parse(data)
			if err != nil {
				return err
			}
			errs, err := datapipe.Validator{MaxPayloadSize: s.MQTTMaxPayloadSize}.Check(raw)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				if errs == nil {
					errs = []datapipe.FieldError{}
				}
				if err := printJSON(errs); err != nil {
					return err
				}
			} else if len(errs) == 0 {
				fmt.Println("data pipe document is valid")
			} else {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "Message"})
				for i, fe := range errs {
					tw.AppendRow(table.Row{i + 1, fe.Stage, fe.Message})
				}
				tw.Render()
			}
			if len(errs) > 0 {
				return errInvalidDocument
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document path, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func dataPipeSetCmd() *cobra.Command {
	var file, node, user string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a DataPipe document on a unit node",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, nodeUUID, err := actingUser(ctx, a, user, node)
				if err != nil {
					return err
				}
				n, err := a.Engine.SetDataPipe(ctx, agent, nodeUUID, data)
				if err != nil {
					return describe(err)
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document path, - for stdin")
	cmd.Flags().StringVar(&node, "node", "", "unit node uuid")
	cmd.Flags().StringVar(&user, "user", "", "uuid of the user acting as creator")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("node")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func dataPipeImportCmd() *cobra.Command {
	var file, node, user string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored records of a unit node from CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, nodeUUID, err := actingUser(ctx, a, user, node)
				if err != nil {
					return err
				}
				f := os.Stdin
				if file != "-" {
					f, err = os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
				}
				res, err := a.Engine.ImportCSV(ctx, agent, nodeUUID, f)
				if err != nil {
					return describe(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("imported %d %s records into %s\n", res.Rows, res.Policy, res.UnitNodeUUID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "csv path, - for stdin")
	cmd.Flags().StringVar(&node, "node", "", "unit node uuid")
	cmd.Flags().StringVar(&user, "user", "", "uuid of the user acting as creator")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("node")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue access tokens"}
	tok.AddCommand(tokenUserCmd())
	tok.AddCommand(tokenUnitCmd())
	tok.AddCommand(tokenBackendCmd())
	return tok
}

func tokenUserCmd() *cobra.Command {
	var id string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Issue a user token",
		RunE: func(cmd *cobra.Command, args []string) error {
			userUUID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("--uuid: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if ttl <= 0 {
					ttl = a.Settings.UserTokenTTL
				}
				token, err := a.Engine.UserToken(ctx, userUUID, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "uuid", "", "user uuid")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default user_token_ttl)")
	_ = cmd.MarkFlagRequired("uuid")
	return cmd
}

func tokenUnitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Issue the broker credential of a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitUUID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("--uuid: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				token, err := a.Engine.UnitToken(ctx, unitUUID)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "uuid", "", "unit uuid")
	_ = cmd.MarkFlagRequired("uuid")
	return cmd
}

func tokenBackendCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Issue a backend token for this instance's domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				token, err := a.Engine.Resolver.Tokens.BackendToken(a.Settings.BackendDomain, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 never expires")
	return cmd
}

func actingUser(ctx context.Context, a *app.App, userID, nodeID string) (domain.Agent, uuid.UUID, error) {
	userUUID, err := uuid.Parse(userID)
	if err != nil {
		return domain.Agent{}, uuid.Nil, fmt.Errorf("--user: %w", err)
	}
	nodeUUID, err := uuid.Parse(nodeID)
	if err != nil {
		return domain.Agent{}, uuid.Nil, fmt.Errorf("--node: %w", err)
	}
	u, err := a.Engine.Repo.GetUser(ctx, userUUID)
	if err != nil {
		return domain.Agent{}, uuid.Nil, fmt.Errorf("user %s: %w", userUUID, err)
	}
	return u.Agent(), nodeUUID, nil
}

// describe expands config errors into one line per violation.
func describe(err error) error {
	var cfgErr *datapipe.ConfigError
	if !errors.As(err, &cfgErr) {
		return err
	}
	lines := make([]string, 0, len(cfgErr.Errors)+1)
	lines = append(lines, err.Error())
	for _, fe := range cfgErr.Errors {
		lines = append(lines, "  "+fe.String())
	}
	return errors.New(strings.Join(lines, "\n"))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	node, ok := v.(domain.UnitNode)
	if !ok {
		return printJSON(v)
	}
	state := ""
	if node.State != nil {
		state = *node.State
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"uuid", node.UUID},
		{"type", node.Type},
		{"topic", node.TopicName},
		{"visibility", node.Visibility},
		{"state", state},
		{"data pipe active", node.IsDataPipeActive},
	})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
