package exec

import (
	"fmt"
	"io"
	"os"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("exec")

var ExecCmd = &cobra.Command{
	Use:   "exec [script]",
	Short: "Run a script of commands against an in-memory database",
	Long: fmt.Sprintf(`Run a script of commands against a fresh in-memory birch database.
The script is read from the given file or from stdin if no file (or "-") is given.
Each line holds one command, everything after # is a comment.
Keys are parsed according to the key type of the index, values prefixed with 0x are hex.
Range bounds are inclusive, prefix a bound with ! to exclude it and use * for no bound.
Commands marked with [@txn] run inside the named transaction instead of committing immediately.

Commands:
%s`, Usage()),
	Args:    cobra.MaximumNArgs(1),
	PreRunE: processConfig,
	RunE:    run,
}

func init() {
	util.SetupEngineFlags(ExecCmd)

	key := "stop-on-error"
	ExecCmd.Flags().Bool(key, false, util.WrapString("Stop at the first failing command instead of reporting and skipping it"))

	key = "load"
	ExecCmd.Flags().String(key, "", util.WrapString("Optional snapshot file to load before running the script"))

	key = "save"
	ExecCmd.Flags().String(key, "", util.WrapString("Optional file to save the database to after the script finished"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}

func run(cmd *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open script: %w", err)
		}
		defer f.Close()
		in = f
	}

	opts, err := util.GetEngineOptions(cmd)
	if err != nil {
		return err
	}
	database := birch.NewBirchDB(opts)
	defer database.Close()

	session := NewSession(database, cmd.OutOrStdout())

	if path := viper.GetString("load"); path != "" {
		if err := session.load([]string{path}, nil); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	failed, err := session.Run(in, viper.GetBool("stop-on-error"))
	session.Close()
	if err != nil {
		return err
	}

	if path := viper.GetString("save"); path != "" {
		if err := session.save([]string{path}, nil); err != nil {
			return fmt.Errorf("failed to save %s: %w", path, err)
		}
	}

	if failed > 0 {
		Logger.Warningf("%d command(s) failed", failed)
	}
	return nil
}
