package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/falk/nxcodec/internal/config"
	"github.com/falk/nxcodec/internal/logger"
)

var version = "dev"

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"debug":                 "debug",
	"log-format":            "log_format",
	"log-file":              "log_file",
	"keys":                  "keys_file",
	"skip-signature":        "verify.skip_signature",
	"allow-unsigned-stream": "verify.allow_unsigned_stream",
	"level":                 "compression.level",
	"threads":               "compression.threads",
	"long":                  "compression.long_distance",
	"block":                 "compression.block",
	"block-exponent":        "compression.block_exponent",
	"cache-bytes":           "cache.block_bytes",
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "nxcodec",
		Short: "Inspect, compress and decompress NCA, NCZ, NSP, NSZ and XCI files",
		Long: `nxcodec decrypts and parses Nintendo Switch content archives and converts
them to and from their zstd compressed forms (NCA <-> NCZ, NSP <-> NSZ).

Keys are read from prod.keys, searched in the current directory and
~/.switch unless --keys or keys_file is set.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			flags := make(map[string]*pflag.Flag, len(flagKeys))
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					flags[key] = f
				}
			}
			if err := config.Initialize(cfgFile, flags); err != nil {
				return err
			}

			if err := logger.InitLogger(logger.LoggerConfig{
				Debug:     config.Instance.Debug,
				LogFormat: config.Instance.LogFormat,
				LogFile:   config.Instance.LogFile,
			}); err != nil {
				return err
			}
			if config.ConfigLoaded {
				logger.LogDebug("Loaded configuration", map[string]interface{}{"file": config.ConfigFile})
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is nxcodec.yaml in . or the user config dir)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-format", "human", "Log format: json or human")
	pf.String("log-file", "", "Also write logs to this file")
	pf.StringP("keys", "k", "", "Path to prod.keys")
	pf.Bool("skip-signature", false, "Skip the NCA header signature check for local files")
	pf.Bool("allow-unsigned-stream", false, "Also skip the signature check for stream sources")
	pf.Int64("cache-bytes", 0, "Decompressed NCZ block cache size in bytes")

	root.AddCommand(
		newInfoCmd(),
		newCompressCmd(),
		newDecompressCmd(),
		newExtractCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nxcodec %s\n", version)
		},
	}
}
