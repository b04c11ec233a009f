// Package main is the CLI entry point for kioskd.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/vrkiosk/internal/catalog"
	"github.com/eliteGoblin/vrkiosk/internal/config"
	"github.com/eliteGoblin/vrkiosk/internal/daemon"
	"github.com/eliteGoblin/vrkiosk/internal/domain"
	"github.com/eliteGoblin/vrkiosk/internal/infra"
	"github.com/eliteGoblin/vrkiosk/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kioskd",
	Short: "VR kiosk control server",
	Long: `kioskd runs the command server of a VR station. Front-desk and in-headset
clients connect over WebSocket to launch games, run timed sessions and
validate RFID cards. The remaining commands administer local storage.`,
	Version:      Version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiosk command server",
	RunE:  runServe,
}

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create the encrypted database and storage key",
	RunE:  runInitStorage,
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin <username>",
	Short: "Create or replace an admin credential",
	Long:  `Stores a bcrypt hash of the password. Reads the password from stdin when --password is not given.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateAdmin,
}

var verifyAdminCmd = &cobra.Command{
	Use:   "verify-admin <username>",
	Short: "Check an admin password",
	Long:  `Exits non-zero when the user is unknown or the password does not match.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVerifyAdmin,
}

var importGamesCmd = &cobra.Command{
	Use:   "import-games <file>",
	Short: "Replace the stored game catalog with a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportGames,
}

var exportGamesCmd = &cobra.Command{
	Use:   "export-games <file>",
	Short: "Write the stored game catalog to a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportGames,
}

var registerTagCmd = &cobra.Command{
	Use:   "register-tag <tagId>",
	Short: "Register or re-activate an RFID card",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegisterTag,
}

var deactivateTagCmd = &cobra.Command{
	Use:   "deactivate-tag <tagId>",
	Short: "Deactivate an RFID card",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeactivateTag,
}

var listTagsCmd = &cobra.Command{
	Use:   "list-tags",
	Short: "List registered RFID cards",
	RunE:  runListTags,
}

var tagHistoryCmd = &cobra.Command{
	Use:   "tag-history <tagId>",
	Short: "Show recent access attempts of an RFID card",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagHistory,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy the encrypted database to the backup directory",
	RunE:  runBackup,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage record counts",
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	envFile       string
	adminPassword string
	tagName       string
	tagLevel      string
	historyLimit  int
	backupDir     string
	jsonOutput    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")

	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "Admin password (read from stdin if empty)")
	verifyAdminCmd.Flags().StringVar(&adminPassword, "password", "", "Admin password (read from stdin if empty)")
	registerTagCmd.Flags().StringVar(&tagName, "name", "", "Card holder name")
	registerTagCmd.Flags().StringVar(&tagLevel, "level", "standard", "Permission level")
	tagHistoryCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of entries to show")
	backupCmd.Flags().StringVar(&backupDir, "out", "", "Backup directory (default <data dir>/backups)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initStorageCmd)
	rootCmd.AddCommand(createAdminCmd)
	rootCmd.AddCommand(verifyAdminCmd)
	rootCmd.AddCommand(importGamesCmd)
	rootCmd.AddCommand(exportGamesCmd)
	rootCmd.AddCommand(registerTagCmd)
	rootCmd.AddCommand(deactivateTagCmd)
	rootCmd.AddCommand(listTagsCmd)
	rootCmd.AddCommand(tagHistoryCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func buildInfo() usecase.BuildInfo {
	return usecase.BuildInfo{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger := createLogger(cfg.LogFile)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting kioskd",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("addr", cfg.Addr()))

	srv, err := daemon.NewServer(cfg, daemon.DefaultServerConfig(), buildInfo(), logger)
	if err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		logger.Info("received shutdown signal")
	}()

	return srv.Run(ctx)
}

// openStore loads configuration and opens storage for an admin command.
func openStore() (string, *infra.EncryptedStore, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return "", nil, err
	}
	dataDir, err := daemon.ResolveDataDir(cfg.DataDir)
	if err != nil {
		return "", nil, err
	}
	store, err := daemon.OpenStore(dataDir, cfg.StorageKey)
	if err != nil {
		return "", nil, err
	}
	return dataDir, store, nil
}

func runInitStorage(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Storage ready: %s\n", store.Path())
	return nil
}

func runCreateAdmin(cmd *cobra.Command, args []string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}

	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	replaced, err := daemon.SetAdminPassword(store, args[0], password)
	if err != nil {
		return err
	}
	if replaced {
		fmt.Printf("Admin %q password replaced\n", args[0])
		return nil
	}
	fmt.Printf("Admin %q created\n", args[0])
	return nil
}

func runVerifyAdmin(cmd *cobra.Command, args []string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}

	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := daemon.VerifyAdmin(store, args[0], password); err != nil {
		return err
	}
	fmt.Printf("Admin %q verified\n", args[0])
	return nil
}

// readPassword returns --password, or one line from stdin.
func readPassword() (string, error) {
	if adminPassword != "" {
		return adminPassword, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runImportGames(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := catalog.Import(args[0], store)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d games from %s\n", n, args[0])
	return nil
}

func runExportGames(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := catalog.Export(args[0], store)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d games to %s\n", n, args[0])
	return nil
}

func runRegisterTag(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tag := domain.AccessTag{TagID: args[0], Name: tagName, Status: domain.TagActive, PermissionLevel: tagLevel}
	if err := store.RegisterTag(tag); err != nil {
		return fmt.Errorf("failed to register tag: %w", err)
	}
	fmt.Printf("Tag %s registered\n", args[0])
	return nil
}

func runDeactivateTag(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := store.DeactivateTag(args[0])
	if err != nil {
		return fmt.Errorf("failed to deactivate tag: %w", err)
	}
	if !ok {
		return fmt.Errorf("tag %s not found", args[0])
	}
	fmt.Printf("Tag %s deactivated\n", args[0])
	return nil
}

func runListTags(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tags, err := store.ListTags()
	if err != nil {
		return fmt.Errorf("failed to list tags: %w", err)
	}
	if len(tags) == 0 {
		fmt.Println("No tags registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tNAME\tSTATUS\tLEVEL\tLAST USED")
	for _, t := range tags {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.TagID, t.Name, t.Status, t.PermissionLevel, lastUsed)
	}
	return w.Flush()
}

func runTagHistory(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.TagHistory(args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Printf("No access attempts recorded for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tGAME\tRESULT\tREASON")
	for _, e := range entries {
		result := "denied"
		if e.Success {
			result = "ok"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.GameID, result, e.Reason)
	}
	return w.Flush()
}

func runBackup(cmd *cobra.Command, args []string) error {
	dataDir, store, err := openStore()
	if err != nil {
		return err
	}
	dbPath := store.Path()
	// Close first so the copy is not taken mid-write.
	store.Close()

	dir := backupDir
	if dir == "" {
		dir = filepath.Join(dataDir, "backups")
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	manifest, err := infra.NewStorageBackup(dbPath, dir, logger).Create()
	if err != nil {
		return err
	}
	fmt.Printf("Backup written: %s (%d bytes, sha256 %s)\n", manifest.Path, manifest.SizeBytes, manifest.SHA256)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Counts()
	if err != nil {
		return fmt.Errorf("failed to read counts: %w", err)
	}

	kioskID, _, err := store.GetSetting(daemon.SettingKioskID)
	if err != nil {
		return fmt.Errorf("failed to read kiosk id: %w", err)
	}
	if kioskID == "" {
		kioskID = "(assigned on first serve)"
	}

	fmt.Println("=== vrkiosk storage ===")
	fmt.Printf("Kiosk:           %s\n", kioskID)
	fmt.Printf("Database:        %s\n", store.Path())
	fmt.Printf("Games:           %d\n", counts.Games)
	fmt.Printf("Sessions:        %d (%d active)\n", counts.Sessions, counts.ActiveSessions)
	fmt.Printf("RFID tags:       %d\n", counts.Tags)
	fmt.Printf("Access entries:  %d\n", counts.AccessEntries)
	fmt.Printf("Admins:          %d\n", counts.Admins)
	return nil
}

// createLogger builds the production JSON logger, also writing to logFile when set.
func createLogger(logFile string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if logFile != "" {
		config.OutputPaths = append(config.OutputPaths, logFile)
		config.ErrorOutputPaths = append(config.ErrorOutputPaths, logFile)
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		data, _ := json.Marshal(buildInfo())
		fmt.Println(string(data))
		return
	}
	fmt.Printf("kioskd %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}
