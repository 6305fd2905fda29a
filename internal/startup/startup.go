package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"image-optimizer/internal/imagetypes"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/memory"
	"image-optimizer/internal/settings"
	"image-optimizer/internal/tools"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// Config is the loaded configuration plus the paths derived from it.
type Config struct {
	Settings   settings.Settings
	ConfigFile string

	LogHealthChecks bool

	// Derived paths
	DatabasePath  string
	ScanStatePath string

	// Tools maps local tool names to availability at startup.
	Tools map[string]bool
}

// Options controls LoadConfig.
type Options struct {
	// ConfigFile is a YAML file. Empty falls back to OPTIMIZER_CONFIG, then
	// to defaults plus environment.
	ConfigFile string
	// Quiet skips the banner and section headers, for one-shot commands.
	Quiet bool
}

// LoadConfig loads the configuration file, applies environment overrides and
// prepares the database directory.
func LoadConfig(opts Options) (*Config, error) {
	if opts.ConfigFile == "" {
		opts.ConfigFile = getEnv("OPTIMIZER_CONFIG", "")
	}
	if !opts.Quiet {
		printBanner()
		logSystemInfo()
		section("CONFIGURATION")
	}

	s, err := settings.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	applyEnv(&s)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if opts.ConfigFile != "" {
		logging.Info("  Config file:         %s", opts.ConfigFile)
	}
	logging.Info("  MEDIA_DIR:           %s", s.MediaDir)
	logging.Info("  DATABASE_DIR:        %s", s.DatabaseDir)
	logging.Info("  Remote API:          %s", enabledString(s.HasCloud()))
	logging.Info("  Tick deadline:       %v", s.Bulk.TickDeadline)
	logging.Info("  Fan-out window:      %d", s.Bulk.MaxThreads)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())
	for _, kind := range []imagetypes.Kind{imagetypes.Jpeg, imagetypes.Png, imagetypes.Gif, imagetypes.Pdf, imagetypes.Svg} {
		logging.Debug("  Level %-5s          %s", kind.String()+":", s.Level(kind))
	}

	if !opts.Quiet {
		section("DIRECTORY SETUP")
	}

	s.MediaDir, err = filepath.Abs(s.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media directory path: %w", err)
	}
	logging.Info("  Media directory (absolute): %s", s.MediaDir)

	s.DatabaseDir, err = filepath.Abs(s.DatabaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database directory path: %w", err)
	}
	logging.Info("  Database directory (absolute): %s", s.DatabaseDir)

	// Check media directory (warning only)
	if err := checkDirectory(s.MediaDir); err != nil {
		logging.Warn("  Media directory issue: %v", err)
	}

	if err := ensureDirectory(s.DatabaseDir); err != nil {
		return nil, fmt.Errorf("database directory error: %w", err)
	}
	logging.Debug("  Testing database directory write access...")
	if err := testWriteAccess(s.DatabaseDir); err != nil {
		return nil, fmt.Errorf("database directory is not writable (required for the ledger): %w", err)
	}
	logging.Info("  [OK] Database directory is writable")

	config := &Config{
		Settings:        s,
		ConfigFile:      opts.ConfigFile,
		LogHealthChecks: getEnvBool("LOG_HEALTH_CHECKS", false),
		DatabasePath:    filepath.Join(s.DatabaseDir, "ledger.db"),
		ScanStatePath:   filepath.Join(s.DatabaseDir, "scanstate.db"),
		Tools:           tools.New(s.Tools).Probe(),
	}

	if !opts.Quiet {
		section("TOOLS")
	}
	LogTools(config.Tools)

	return config, nil
}

// applyEnv overrides settings from the environment.
func applyEnv(s *settings.Settings) {
	s.MediaDir = getEnv("MEDIA_DIR", s.MediaDir)
	s.DatabaseDir = getEnv("DATABASE_DIR", s.DatabaseDir)
	s.Server.Port = getEnv("PORT", s.Server.Port)
	s.Server.MetricsEnabled = getEnvBool("METRICS_ENABLED", s.Server.MetricsEnabled)
	s.Cloud.APIKey = getEnv("OPTIMIZER_API_KEY", s.Cloud.APIKey)
	s.Cloud.Endpoint = getEnv("OPTIMIZER_ENDPOINT", s.Cloud.Endpoint)
	s.Tools.Dir = getEnv("TOOLS_DIR", s.Tools.Dir)
	s.Bulk.TickDeadline = getEnvDuration("TICK_DEADLINE", s.Bulk.TickDeadline)
	s.Bulk.MaxThreads = getEnvInt("MAX_THREADS", s.Bulk.MaxThreads)
	s.Bulk.ScheduleInterval = getEnvDuration("SCHEDULE_INTERVAL", s.Bulk.ScheduleInterval)
	s.Bulk.IndexInterval = getEnvDuration("INDEX_INTERVAL", s.Bulk.IndexInterval)
	s.Bulk.MemoryLimit = getEnv("MEMORY_LIMIT", s.Bulk.MemoryLimit)
	s.WebP.Enabled = getEnvBool("WEBP_ENABLED", s.WebP.Enabled)
}

// LogTools logs which local tools were found.
func LogTools(available map[string]bool) {
	names := make([]string, 0, len(available))
	for name := range available {
		names = append(names, name)
	}
	sort.Strings(names)

	missing := 0
	for _, name := range names {
		if available[name] {
			logging.Info("  [OK] %s", name)
		} else {
			missing++
			logging.Info("  [--] %s not found", name)
		}
	}
	if missing > 0 {
		logging.Warn("  %d local tools missing; affected formats use the remote API or are skipped", missing)
	}
}

// LogMemoryConfig logs the outcome of memory.ConfigureFromEnv.
func LogMemoryConfig(result memory.ConfigResult) {
	switch result.Source {
	case "GOMEMLIMIT":
		logging.Info("  Memory limit:   %d bytes (GOMEMLIMIT)", result.GoMemLimit)
	case "MEMORY_LIMIT":
		logging.Info("  Memory limit:   %d bytes (%.0f%% of %d)", result.GoMemLimit, result.Ratio*100, result.ContainerLimit)
	default:
		logging.Info("  Memory limit:   none")
	}
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

func section(title string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("%s", title)
	logging.Info("------------------------------------------------------------")
}

// LogDatabaseInit logs database initialization
func LogDatabaseInit(duration time.Duration) {
	section("DATABASE INITIALIZATION")
	logging.Info("  [OK] Ledger opened in %v", duration)
}

// LogIndexerInit logs indexer initialization
func LogIndexerInit(interval time.Duration) {
	section("INDEXER INITIALIZATION")
	if interval > 0 {
		logging.Info("  Index interval: %v", interval)
	} else {
		logging.Info("  Periodic indexing disabled")
	}
	logging.Info("  Starting indexer...")
}

// LogSchedulerInit logs the scheduled optimization loop.
func LogSchedulerInit(interval time.Duration) {
	if interval > 0 {
		logging.Info("  Scheduled optimization every %v", interval)
	} else {
		logging.Info("  Scheduled optimization disabled")
	}
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}
		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes at debug level.
func LogHTTPRoutes(router *mux.Router) {
	section("HTTP SERVER SETUP")
	if !logging.IsDebugEnabled() {
		return
	}

	routes, err := GetRoutes(router)
	if err != nil {
		logging.Warn("error walking routes: %v", err)
	}
	logging.Debug("  Registered routes (%d total):", len(routes))

	groups := make(map[string][]RouteInfo)
	for _, route := range routes {
		prefix := getRouteGroup(route.Path)
		groups[prefix] = append(groups[prefix], route)
	}
	groupKeys := make([]string, 0, len(groups))
	for k := range groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)

	for _, group := range groupKeys {
		if group != "" {
			logging.Debug("  [%s]", group)
		} else {
			logging.Debug("  [root]")
		}
		for _, route := range groups[group] {
			logging.Debug("    %-6s %s", route.Method, route.Path)
		}
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}
	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	section("SERVER STARTED")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("  API:             http://0.0.0.0:%s/api", config.Port)
	if config.MetricsEnabled {
		logging.Info("  Metrics:         http://0.0.0.0:%s/metrics", config.Port)
	} else {
		logging.Info("  Metrics:         DISABLED")
	}
	logging.Info("  Press Ctrl+C to stop the server")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	section(fmt.Sprintf("SHUTDOWN INITIATED (received %s)", signal))
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

func printBanner() {
	banner := `
------------------------------------------------------------
   _                              ____        __  _
  (_)___ ___  ____ _____ ____    / __ \____  / /_(_)___ ___
 / / __ '__ \/ __ '/ __ '/ _ \  / / / / __ \/ __/ / __ '__ \
/ / / / / / / /_/ / /_/ /  __/ / /_/ / /_/ / /_/ / / / / / /
/_/_/ /_/ /_/\__,_/\__, /\___/  \____/ .___/\__/_/_/ /_/ /_/
                  /____/            /_/
------------------------------------------------------------`
	fmt.Fprintln(os.Stderr, banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
}

func logSystemInfo() {
	section("SYSTEM INFORMATION")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if logging.IsDebugEnabled() {
		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}
}

func checkDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists but is not a directory", path)
	}
	return nil
}

func ensureDirectory(path string) error {
	logging.Debug("  Checking directory: %s", path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
