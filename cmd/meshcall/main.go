package main

import (
	"fmt"
	"os"

	"meshcall/pkg/config"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagRoom     string
	flagUser     string
	flagName     string
	flagAddress  string
	flagAutoJoin bool
	flagNoVideo  bool
)

var rootCmd = &cobra.Command{
	Use:   "meshcall",
	Short: "Mesh video call participant with a local control API",
	Long: `meshcall joins a room as one participant of a full-mesh WebRTC call.

Local media is read from UDP RTP ingest ports and remote media can be
forwarded to a UDP sink. The call is driven through a local HTTP API and a
websocket that streams the call view.

Examples:
  meshcall --user alice --name Alice
  meshcall --room room_1a2b3c --user bob --name Bob
  meshcall --config configs/config.yaml --no-video`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cfg, flagAutoJoin)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "configs/config.yaml", "path to the YAML config file")
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room to join; a new room is created when empty")
	rootCmd.Flags().StringVar(&flagUser, "user", "", "user id of the local participant")
	rootCmd.Flags().StringVar(&flagName, "name", "", "display name shown to other participants")
	rootCmd.Flags().StringVar(&flagAddress, "address", "", "listen address of the control API")
	rootCmd.Flags().BoolVar(&flagAutoJoin, "join", true, "request to join as soon as the process starts")
	rootCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "join without opening the camera")
}

// loadConfig applies flags over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if flagRoom != "" {
		cfg.Session.RoomID = flagRoom
		cfg.Session.CreateRoom = false
	}
	if flagUser != "" {
		cfg.Session.UserID = flagUser
	}
	if flagName != "" {
		cfg.Session.DisplayName = flagName
	}
	if flagAddress != "" {
		cfg.Server.Address = flagAddress
	}
	if cmd.Flags().Changed("no-video") {
		cfg.Session.Video = !flagNoVideo
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
