// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet"
)

var (
	cfgFile      string
	deviceID     uint32
	timeout      time.Duration
	retries      int
	outputFmt    string
	verbose      bool
	localAddress string
	bbmdAddress  string
	bbmdPort     int
	bbmdTTL      uint16
	network      uint16
	mstpPort     string
	mstpBaud     int
	mstpMAC      uint8

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-bacnet",
	Short: "A BACnet/IP and MS/TP client CLI",
	Long: `edgeo-bacnet is a command-line tool for communicating with BACnet devices
over BACnet/IP or BACnet MS/TP.

It supports device discovery, object discovery, property read/write, and
foreign device registration through a BBMD.

Examples:
  # Discover devices on the network
  edgeo-bacnet scan

  # Read a property from a device
  edgeo-bacnet read -d 1234 -O analog-input:1 -P present-value

  # Write a value to a device
  edgeo-bacnet write -d 1234 -O analog-output:1 -P present-value -V 75.5

  # List every object on a device
  edgeo-bacnet objects -d 1234

  # Discover through a BBMD from another subnet
  edgeo-bacnet scan --bbmd 10.0.0.5 --bbmd-ttl 300

  # Talk MS/TP over a serial adapter
  edgeo-bacnet read --mstp-port /dev/ttyUSB0 --mstp-baud 38400 -d 99 -O ai:1 -P pv`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logger
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		// Let config file and environment fill anything the flags left
		// at their defaults.
		if !cmd.Flags().Changed("local") && viper.GetString("local") != "" {
			localAddress = viper.GetString("local")
		}
		if !cmd.Flags().Changed("bbmd") && viper.GetString("bbmd") != "" {
			bbmdAddress = viper.GetString("bbmd")
		}
		if !cmd.Flags().Changed("bbmd-port") && viper.GetInt("bbmd-port") != 0 {
			bbmdPort = viper.GetInt("bbmd-port")
		}
		if !cmd.Flags().Changed("bbmd-ttl") && viper.GetUint16("bbmd-ttl") != 0 {
			bbmdTTL = viper.GetUint16("bbmd-ttl")
		}
		if !cmd.Flags().Changed("timeout") && viper.GetDuration("timeout") != 0 {
			timeout = viper.GetDuration("timeout")
		}
		if !cmd.Flags().Changed("network") && viper.GetUint16("network") != 0 {
			network = viper.GetUint16("network")
		}
		if !cmd.Flags().Changed("mstp-port") && viper.GetString("mstp-port") != "" {
			mstpPort = viper.GetString("mstp-port")
		}
		if !cmd.Flags().Changed("mstp-baud") && viper.GetInt("mstp-baud") != 0 {
			mstpBaud = viper.GetInt("mstp-baud")
		}

		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.edgeo-bacnet.yaml)")
	rootCmd.PersistentFlags().Uint32VarP(&deviceID, "device", "d", 0, "Target device instance ID")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "APDU timeout per attempt")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 3, "Number of retransmissions after the first attempt")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv, raw)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&localAddress, "local", "", "Local address to bind to (e.g., 0.0.0.0:47808)")
	rootCmd.PersistentFlags().StringVar(&bbmdAddress, "bbmd", "", "BBMD address for foreign device registration")
	rootCmd.PersistentFlags().IntVar(&bbmdPort, "bbmd-port", bacnet.DefaultPort, "BBMD port")
	rootCmd.PersistentFlags().Uint16Var(&bbmdTTL, "bbmd-ttl", 60, "BBMD registration TTL in seconds")
	rootCmd.PersistentFlags().Uint16Var(&network, "network", 0, "Destination network number (0 = local)")
	rootCmd.PersistentFlags().StringVar(&mstpPort, "mstp-port", "", "MS/TP serial port (selects the MS/TP datalink)")
	rootCmd.PersistentFlags().IntVar(&mstpBaud, "mstp-baud", 38400, "MS/TP baud rate")
	rootCmd.PersistentFlags().Uint8Var(&mstpMAC, "mstp-mac", 0, "Local MS/TP station MAC")

	// Bind flags to viper
	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("retries", rootCmd.PersistentFlags().Lookup("retries"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("local", rootCmd.PersistentFlags().Lookup("local"))
	viper.BindPFlag("bbmd", rootCmd.PersistentFlags().Lookup("bbmd"))
	viper.BindPFlag("bbmd-port", rootCmd.PersistentFlags().Lookup("bbmd-port"))
	viper.BindPFlag("bbmd-ttl", rootCmd.PersistentFlags().Lookup("bbmd-ttl"))
	viper.BindPFlag("network", rootCmd.PersistentFlags().Lookup("network"))
	viper.BindPFlag("mstp-port", rootCmd.PersistentFlags().Lookup("mstp-port"))
	viper.BindPFlag("mstp-baud", rootCmd.PersistentFlags().Lookup("mstp-baud"))

	// Environment names carried over from the classic tooling.
	viper.BindEnv("local", "BACNET_IFACE")
	viper.BindEnv("bbmd", "BACNET_BBMD_ADDRESS")
	viper.BindEnv("bbmd-port", "BACNET_BBMD_PORT")
	viper.BindEnv("bbmd-ttl", "BACNET_BBMD_TIMETOLIVE")
	viper.BindEnv("timeout", "BACNET_APDU_TIMEOUT")
	viper.BindEnv("network", "BACNET_IP_NETWORK")
	viper.BindEnv("mstp-port", "BACNET_MSTP_PORT")
	viper.BindEnv("mstp-baud", "BACNET_MSTP_BAUD")

	// Add subcommands
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(objectsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".edgeo-bacnet")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// createClient creates a BACnet client with current configuration
func createClient() (*bacnet.Client, error) {
	opts := []bacnet.Option{
		bacnet.WithTimeout(timeout),
		bacnet.WithRetries(retries),
		bacnet.WithLogger(logger),
	}

	if localAddress != "" {
		opts = append(opts, bacnet.WithLocalAddress(localAddress))
	}

	if bbmdAddress != "" {
		opts = append(opts, bacnet.WithBBMD(bbmdAddress, bbmdPort, bbmdTTL))
	}

	if network != 0 {
		opts = append(opts, bacnet.WithNetworkNumber(network))
	}

	if mstpPort != "" {
		opts = append(opts, bacnet.WithMSTP(mstpPort, mstpBaud, mstpMAC))
	}

	return bacnet.NewClient(opts...)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("edgeo-bacnet version 1.0.0")
	},
}
