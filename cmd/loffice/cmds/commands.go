package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/mgeeky/loffice/pkg/analyzer"
	"github.com/mgeeky/loffice/pkg/config"
	"github.com/mgeeky/loffice/pkg/logflags"
	"github.com/mgeeky/loffice/pkg/office"
	"github.com/mgeeky/loffice/pkg/session"
	"github.com/mgeeky/loffice/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// verbose is whether to log debug statements.
	verbose bool
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// officePath is the directory of the Office suite.
	officePath string
	// host is an explicit command line for the host application.
	host string
	// allowOverflow lets decoys be longer than the WMI query they replace.
	allowOverflow bool
	// workingDir is the working directory of the host application.
	workingDir string

	// resetConfig makes the config subcommand write the default config.
	resetConfig bool

	conf *config.Config
)

const lofficeCommandLongDesc = `Lazy Office Analyzer opens a document in its host application under a
debugger and reports the URLs, files, processes and WMI queries it touches.

Type:
	auto   - Automatically detect program to launch
	word   - Word document
	excel  - Excel spreadsheet
	power  - Powerpoint document
	script - VBscript & Javascript

Exit-on:
	url  - After first URL extraction (no remote fetching)
	proc - Before process creation (allow remote fetching)
	none - Allow uninterrupted execution (dangerous)`

// New returns an initialized command tree.
func New() *cobra.Command {
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	rootCommand := &cobra.Command{
		Use:   "loffice [flags] <type> <exit-on> <filename>",
		Short: "Lazy Office Analyzer - analyze documents under a debugger.",
		Long:  lofficeCommandLongDesc,
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 3 {
				cmd.Help()
				return
			}
			applyConfig(cmd.Flags(), conf)
			os.Exit(execute(args))
		},
	}

	rootCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose mode.")
	rootCommand.Flags().StringVarP(&officePath, "path", "p", office.DefaultPath, "Path to the Microsoft Office suite.")
	rootCommand.Flags().StringVar(&logDest, "log-dest", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.Flags().StringVar(&host, "host", "", "Command line of the host application, the document is appended to it.")
	rootCommand.Flags().BoolVar(&allowOverflow, "allow-overflow", false, "Write WMI query decoys even if they are longer than the original query.")
	rootCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for the host application.")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Lazy Office Analyzer\n%s\n", version.LofficeVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build details")
	rootCommand.AddCommand(versionCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Prints the path of the configuration file.",
		Long: `Prints the path of the configuration file.

With --reset the configuration file is replaced with the default one.`,
		Run: func(cmd *cobra.Command, args []string) {
			if resetConfig {
				path, err := config.WriteDefaultConfig()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Println(path)
				return
			}
			path, err := config.GetConfigFilePath("config.yml")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(path)
		},
	}
	configCommand.Flags().BoolVar(&resetConfig, "reset", false, "Write the default configuration file.")
	rootCommand.AddCommand(configCommand)

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// applyConfig fills the flags that were not given on the command line
// from the configuration file.
func applyConfig(flags *pflag.FlagSet, conf *config.Config) {
	if conf == nil {
		return
	}
	if !flags.Changed("path") && conf.OfficePath != "" {
		officePath = conf.OfficePath
	}
	if !flags.Changed("log-dest") && conf.LogDest != "" {
		logDest = conf.LogDest
	}
	if !flags.Changed("allow-overflow") && conf.AllowOverflow {
		allowOverflow = true
	}
}

// sessionConfig validates the positional arguments and builds the
// configuration of the analysis session.
func sessionConfig(args []string) (session.Config, error) {
	typ, err := office.ParseType(args[0])
	if err != nil {
		return session.Config{}, err
	}
	policy, err := analyzer.ParseExitPolicy(args[1])
	if err != nil {
		return session.Config{}, &office.ConfigurationError{What: "<exit-on>", Value: args[1], Err: "not recognized"}
	}

	opts := office.Options{
		Type:       typ,
		Document:   args[2],
		OfficePath: officePath,
		Host:       host,
	}
	var classes []string
	if conf != nil {
		opts.Hosts = conf.Hosts
		classes = conf.MonitoredClasses
	}
	cmdline, err := office.Command(opts)
	if err != nil {
		return session.Config{}, err
	}

	return session.Config{
		Command:    cmdline,
		WorkingDir: workingDir,
		Analyzer: analyzer.Config{
			Policy:        policy,
			AllowOverflow: allowOverflow,
			Classes:       append(append([]string{}, analyzer.DefaultMonitoredClasses...), classes...),
		},
	}, nil
}

func execute(args []string) int {
	if err := logflags.Setup(verbose, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	cfg, err := sessionConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log := logflags.SessionLogger()
	log.Info("\n\tLazy Office Analyzer - Analyze documents under a debugger\n")
	log.Debugf("Invocation command:\n\t%q", cfg.Command)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := session.Launch(cfg)
	if err != nil {
		log.WithError(err).Error("could not start analysis")
		return 1
	}
	log.Debugf("Launched process %d", s.Pid())
	if err := s.Run(ctx); err != nil {
		log.WithError(err).Error("analysis failed")
		return 1
	}
	return 0
}
