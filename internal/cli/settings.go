package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coinhost/afkd/internal/domain"
)

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsAfkCmd)

	settingsAfkCmd.Flags().Bool("enabled", true, "Enable AFK earning")
	settingsAfkCmd.Flags().String("rate", "", "Coins per minute")
	settingsAfkCmd.Flags().String("cap", "", "Max coins per day")
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change runtime settings",
}

var settingsAfkCmd = &cobra.Command{
	Use:   "afk",
	Short: "Show or change AFK earning settings",
	Long: `Without flags, print the AFK settings in effect. With --enabled,
--rate or --cap, update them; changes apply to the next start or heartbeat.`,
	Args: cobra.NoArgs,
	RunE: runSettingsAfk,
}

func runSettingsAfk(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	s, err := d.Settings.Get(ctx)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	changed := false
	if flags.Changed("enabled") {
		s.Enabled, _ = flags.GetBool("enabled")
		changed = true
	}
	if flags.Changed("rate") {
		v, _ := flags.GetString("rate")
		if s.CoinsPerMinute, err = domain.Coins(v); err != nil {
			return fmt.Errorf("invalid --rate %q", v)
		}
		changed = true
	}
	if flags.Changed("cap") {
		v, _ := flags.GetString("cap")
		if s.MaxCoinsPerDay, err = domain.Coins(v); err != nil {
			return fmt.Errorf("invalid --cap %q", v)
		}
		changed = true
	}

	if changed {
		if err := d.Settings.Update(ctx, s); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "enabled:           %t\n", s.Enabled)
	fmt.Fprintf(out, "coins_per_minute:  %s\n", s.CoinsPerMinute)
	fmt.Fprintf(out, "max_coins_per_day: %s\n", s.MaxCoinsPerDay)
	return nil
}
