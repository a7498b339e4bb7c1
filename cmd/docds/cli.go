package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/docds"
	"github.com/andreyvit/docds/journal"
	"github.com/andreyvit/docds/natssink"
)

// CLI is the docds command line tool. Settings come from flags, then
// DOCDS_* environment variables, then a docds.yaml config file.
type CLI struct {
	root   *cobra.Command
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
}

func NewCLI(out, errOut io.Writer) *CLI {
	cli := &CLI{v: viper.New(), out: out, errOut: errOut}
	cli.setupConfig()
	cli.createRootCommand()
	cli.addCommands()
	return cli
}

func (cli *CLI) Execute() error {
	return cli.root.Execute()
}

func (cli *CLI) setupConfig() {
	if configFile := os.Getenv("DOCDS_CONFIG"); configFile != "" {
		cli.v.SetConfigFile(configFile)
	} else {
		cli.v.SetConfigName("docds")
		cli.v.SetConfigType("yaml")
		cli.v.AddConfigPath(".")
		cli.v.AddConfigPath("$HOME/.docds")
	}
	cli.v.SetEnvPrefix("DOCDS")
	cli.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.v.AutomaticEnv()
	_ = cli.v.ReadInConfig()
}

func (cli *CLI) createRootCommand() {
	cli.root = &cobra.Command{
		Use:           "docds",
		Short:         "Inspect and maintain a docds entity datastore",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cli.setupLogging()
			return nil
		},
	}
	cli.root.SetOut(cli.out)
	cli.root.SetErr(cli.errOut)

	flags := cli.root.PersistentFlags()
	flags.StringP("db", "d", "docds.db", "Database file path")
	flags.StringP("namespace", "n", "", "Namespace")
	flags.String("journal", "", "Commit journal directory")
	flags.String("nats-url", "", "NATS server receiving transactional actions")
	flags.String("nats-prefix", "tasks", "Subject prefix for transactional actions")
	flags.String("log-level", "warn", "Log level (debug|info|warn|error)")
	flags.BoolP("verbose", "v", false, "Log every datastore operation")
	for _, name := range []string{"db", "namespace", "journal", "nats-url", "nats-prefix", "log-level", "verbose"} {
		_ = cli.v.BindPFlag(name, flags.Lookup(name))
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (cli *CLI) setupLogging() {
	level, ok := logLevels[strings.ToLower(cli.v.GetString("log-level"))]
	if !ok {
		level = slog.LevelWarn
	}
	if cli.v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	cli.logger = slog.New(slog.NewTextHandler(cli.errOut, &slog.HandlerOptions{Level: level}))
}

func (cli *CLI) namespace() string {
	return cli.v.GetString("namespace")
}

// openDB opens the configured database; the returned func releases it.
func (cli *CLI) openDB() (*docds.DB, func(), error) {
	opt := docds.Options{
		Logger:  cli.logger,
		Verbose: cli.v.GetBool("verbose"),
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if dir := cli.v.GetString("journal"); dir != "" {
		j, err := journal.Open(dir, journalOptions(cli.logger))
		if err != nil {
			return nil, nil, err
		}
		opt.Journal = j
		closers = append(closers, func() { j.Close() })
	}
	if url := cli.v.GetString("nats-url"); url != "" {
		sink, nc, err := natssink.Connect(url, cli.v.GetString("nats-prefix"), nats.Name("docds"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opt.Sink = sink
		closers = append(closers, nc.Close)
	}

	db, err := docds.Open(cli.v.GetString("db"), opt)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { db.Close() })
	return db, closeAll, nil
}

func journalOptions(logger *slog.Logger) journal.Options {
	return journal.Options{FileName: "commits-*.wal", DebugName: "commits", Sync: true, Logger: logger}
}

// withDB runs f against the configured database.
func (cli *CLI) withDB(f func(ctx context.Context, db *docds.DB) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, closeDB, err := cli.openDB()
		if err != nil {
			return err
		}
		defer closeDB()
		return f(cmd.Context(), db)
	}
}

func (cli *CLI) addCommands() {
	cli.root.AddCommand(cli.indexesCommand())
	cli.root.AddCommand(cli.allocateCommand())
	cli.root.AddCommand(cli.getCommand())
	cli.root.AddCommand(cli.queryCommand())
	cli.root.AddCommand(cli.statsCommand())
	cli.root.AddCommand(cli.dumpCommand())
	cli.root.AddCommand(cli.replayCommand())
}

func (cli *CLI) indexesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Manage composite indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the indexes of the namespace in index.yaml format",
		Args:  cobra.NoArgs,
		RunE: cli.withDB(func(ctx context.Context, db *docds.DB) error {
			specs, err := db.ListIndexes(ctx, cli.namespace())
			if err != nil {
				return err
			}
			_, err = cli.out.Write(docds.FormatIndexYAML(specs))
			return err
		}),
	})

	var file string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Create the indexes of an index.yaml file that do not exist yet",
		Args:  cobra.NoArgs,
		RunE: cli.withDB(func(ctx context.Context, db *docds.DB) error {
			specs, err := cli.readIndexFile(file)
			if err != nil {
				return err
			}
			created, err := db.SyncIndexes(ctx, specs)
			for _, spec := range created {
				fmt.Fprintf(cli.out, "created %s\n", spec)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.out, "%d of %d indexes created\n", len(created), len(specs))
			return nil
		}),
	}
	sync.Flags().StringVarP(&file, "file", "f", "index.yaml", "Index definitions")
	cmd.AddCommand(sync)

	var dropFile string
	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop the indexes listed in an index.yaml file",
		Args:  cobra.NoArgs,
		RunE: cli.withDB(func(ctx context.Context, db *docds.DB) error {
			specs, err := cli.readIndexFile(dropFile)
			if err != nil {
				return err
			}
			for _, spec := range specs {
				if err := db.DropIndex(ctx, spec); err != nil {
					return err
				}
				fmt.Fprintf(cli.out, "dropped %s\n", spec)
			}
			return nil
		}),
	}
	drop.Flags().StringVarP(&dropFile, "file", "f", "index.yaml", "Index definitions")
	cmd.AddCommand(drop)
	return cmd
}

func (cli *CLI) readIndexFile(fn string) ([]*docds.IndexSpec, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return docds.ParseIndexYAML(f, cli.namespace())
}

func (cli *CLI) allocateCommand() *cobra.Command {
	var size, maxID uint64
	cmd := &cobra.Command{
		Use:   "allocate KIND",
		Short: "Reserve ids for a kind (--size) or move its counter past an id (--max)",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return cli.withDB(func(ctx context.Context, db *docds.DB) error {
			r, err := db.AllocateIDs(ctx, docds.AllocateIDsRequest{Kind: args[0], Namespace: cli.namespace(), Size: size, Max: maxID})
			if err != nil {
				return err
			}
			fmt.Fprintln(cli.out, r.String())
			return nil
		})(c, args)
	}
	cmd.Flags().Uint64Var(&size, "size", 0, "Number of ids to reserve")
	cmd.Flags().Uint64Var(&maxID, "max", 0, "Highest id that must never be handed out")
	return cmd
}

func (cli *CLI) getCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get KEY...",
		Short: "Print entities by key, e.g. /Person,42",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return cli.withDB(func(ctx context.Context, db *docds.DB) error {
			var keys []*docds.Key
			for _, s := range args {
				k, err := docds.ParseKey(s)
				if err != nil {
					return err
				}
				if k.Namespace() == "" {
					k = k.WithNamespace(cli.namespace())
				}
				keys = append(keys, k)
			}
			entities, err := db.Get(ctx, keys...)
			if err != nil {
				return err
			}
			for i, e := range entities {
				if e == nil {
					fmt.Fprintf(cli.out, "%v: not found\n", keys[i])
					continue
				}
				cli.printEntity(e)
			}
			return nil
		})(c, args)
	}
	return cmd
}

func (cli *CLI) queryCommand() *cobra.Command {
	var (
		filters  []string
		orders   []string
		limit    int
		offset   int
		keysOnly bool
		cursor   string
		ancestor string
	)
	cmd := &cobra.Command{
		Use:   "query KIND",
		Short: `Run a query, e.g. query Person --filter "age >= 30" --order -age`,
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return cli.withDB(func(ctx context.Context, db *docds.DB) error {
			q := docds.NewQuery(args[0]).Namespace(cli.namespace())
			for _, f := range filters {
				prop, op, val, err := splitFilterArg(f)
				if err != nil {
					return err
				}
				q = q.Filter(prop+" "+op, val)
			}
			for _, o := range orders {
				q = q.Order(o)
			}
			if ancestor != "" {
				k, err := docds.ParseKey(ancestor)
				if err != nil {
					return err
				}
				q = q.Ancestor(k.WithNamespace(cli.namespace()))
			}
			if offset > 0 {
				q = q.Offset(offset)
			}
			if limit > 0 {
				q = q.Limit(limit)
			}
			if keysOnly {
				q = q.KeysOnly()
			}
			if cursor != "" {
				cur, err := docds.ParseCursor(cursor)
				if err != nil {
					return err
				}
				q = q.Start(cur)
			}

			res, err := db.RunQuery(ctx, q)
			if err != nil {
				return err
			}
			if keysOnly {
				for _, k := range res.Keys {
					fmt.Fprintln(cli.out, k.String())
				}
			} else {
				for _, e := range res.Entities {
					cli.printEntity(e)
				}
			}
			fmt.Fprintf(cli.out, "cursor: %s\n", res.Cursor)
			if res.More {
				fmt.Fprintln(cli.out, "more: true")
			}
			return nil
		})(c, args)
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, `Filter as "property op value"`)
	cmd.Flags().StringArrayVar(&orders, "order", nil, "Sort property, - prefix for descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of results to skip")
	cmd.Flags().BoolVar(&keysOnly, "keys-only", false, "Print keys only")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Resume after a previous page")
	cmd.Flags().StringVar(&ancestor, "ancestor", "", "Restrict to descendants of a key")
	return cmd
}

// splitFilterArg parses "age >= 30". Values are typed by their look:
// integers, floats, true/false, keys starting with '/', otherwise strings.
func splitFilterArg(s string) (prop, op string, val any, err error) {
	fields := strings.SplitN(strings.TrimSpace(s), " ", 3)
	if len(fields) != 3 {
		return "", "", nil, fmt.Errorf("invalid filter %q, expected \"property op value\"", s)
	}
	prop, op, raw := fields[0], fields[1], strings.TrimSpace(fields[2])
	if op == "in" {
		var vals []any
		for _, part := range strings.Split(raw, ",") {
			vals = append(vals, parseFilterValue(strings.TrimSpace(part)))
		}
		return prop, op, vals, nil
	}
	return prop, op, parseFilterValue(raw), nil
}

func parseFilterValue(raw string) any {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if strings.HasPrefix(raw, "/") {
		if k, err := docds.ParseKey(raw); err == nil {
			return k
		}
	}
	return strings.Trim(raw, `"`)
}

func (cli *CLI) printEntity(e *docds.Entity) {
	props := make(map[string]string, len(e.Properties))
	for name, v := range e.Properties {
		props[name] = fmt.Sprint(v)
	}
	data, _ := json.Marshal(props)
	fmt.Fprintf(cli.out, "%v %s\n", e.Key, data)
}

func (cli *CLI) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-collection storage statistics",
		Args:  cobra.NoArgs,
		RunE: cli.withDB(func(ctx context.Context, db *docds.DB) error {
			ss, err := db.Stats(ctx)
			if err != nil || ss == nil {
				return err
			}
			for _, cs := range ss.Collections {
				name := cs.Kind
				if cs.Namespace != "" {
					name = cs.Namespace + ":" + cs.Kind
				}
				fmt.Fprintf(cli.out, "%-30s documents=%d indexes=%d data_size=%d data_alloc=%d\n", name, cs.Documents, cs.Indexes, cs.DataSize, cs.DataAlloc)
			}
			fmt.Fprintf(cli.out, "total: documents=%d alloc=%d file_size=%d\n", ss.TotalDocuments(), ss.TotalAlloc(), ss.Size)
			return nil
		}),
	}
}

func (cli *CLI) dumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every collection and document",
		Args:  cobra.NoArgs,
		RunE: cli.withDB(func(ctx context.Context, db *docds.DB) error {
			s, err := db.Dump(ctx, docds.DumpAll)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cli.out, s)
			return err
		}),
	}
}

func (cli *CLI) replayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay DIR",
		Short: "Reapply the transactions of a commit journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withDB(func(ctx context.Context, db *docds.DB) error {
				txns, err := db.ReplayJournal(ctx, args[0], journalOptions(cli.logger))
				for _, t := range txns {
					fmt.Fprintf(cli.out, "%s %s puts=%d deletes=%d actions=%d\n", time.Unix(int64(t.Timestamp), 0).UTC().Format(time.RFC3339), t.Tx, t.Puts, t.Deletes, len(t.Actions))
				}
				return err
			})(cmd, args)
		},
	}
}
