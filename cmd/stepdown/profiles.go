package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gwlsn/stepdown/internal/media"
	"github.com/gwlsn/stepdown/internal/store"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect or forget learned encoder profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the best known tier per media signature",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		records, err := st.ListProfiles(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIGNATURE\tBF\tLAD\tASYNC\tSUCCESSES\tLAST SUCCESS")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", r.Signature, r.BF, r.LAD, r.AsyncDepth, r.SuccessCount,
				r.LastSuccess.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var profilesForgetCmd = &cobra.Command{
	Use:   "forget SIGNATURE...",
	Short: "Forget profiles, e.g. 1920x1080/h264/yuv420p",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sigs := make([]media.Signature, 0, len(args))
		for _, arg := range args {
			sig, err := media.ParseSignature(arg)
			if err != nil {
				return err
			}
			sigs = append(sigs, sig)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, sig := range sigs {
			existed, err := st.DeleteProfile(cmd.Context(), sig)
			if err != nil {
				return err
			}
			if existed {
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", sig)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No profile for %s\n", sig)
			}
		}
		return nil
	},
}

func init() {
	profilesCmd.AddCommand(profilesListCmd, profilesForgetCmd)
}
