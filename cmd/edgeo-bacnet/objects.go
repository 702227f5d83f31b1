package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet"
)

var objectsTimeout time.Duration

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "List every object on a BACnet device",
	Long: `Objects enumerates a device's object list. The list is read one array
element at a time so devices with thousands of objects stream without
segmentation.

Examples:
  # List all objects on a device
  edgeo-bacnet objects -d 1234

  # CSV for further processing
  edgeo-bacnet objects -d 1234 -o csv`,

	RunE: runObjects,
}

func init() {
	objectsCmd.Flags().DurationVar(&objectsTimeout, "objects-timeout", 2*time.Minute, "Overall enumeration deadline")
}

func runObjects(cmd *cobra.Command, args []string) error {
	if deviceID == 0 {
		return fmt.Errorf("device ID is required (-d or --device)")
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), objectsTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	device, err := client.ResolveDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("resolve device: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Enumerating objects on device %d...\n", deviceID)

	objects, errc := client.DiscoverObjects(ctx, device)

	switch outputFmt {
	case "json":
		return outputObjectsJSON(objects, errc)
	case "csv":
		fmt.Println("object_type,instance")
		for oid := range objects {
			fmt.Printf("%s,%d\n", oid.Type.String(), oid.Instance)
		}
		return <-errc
	default:
		return outputObjectsTable(objects, errc)
	}
}

func outputObjectsTable(objects <-chan bacnet.ObjectIdentifier, errc <-chan error) error {
	var rows [][]string
	for oid := range objects {
		rows = append(rows, objectRow(oid))
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("enumerate objects: %w", err)
	}

	f := NewFormatter()
	f.PrintTable(objectHeaders, rows)
	f.Printf("\n%d object(s)\n", len(rows))
	return nil
}

func outputObjectsJSON(objects <-chan bacnet.ObjectIdentifier, errc <-chan error) error {
	fmt.Println("[")
	first := true
	for oid := range objects {
		if !first {
			fmt.Println(",")
		}
		first = false
		fmt.Printf(`  {"type": "%s", "instance": %d}`, oid.Type.String(), oid.Instance)
	}
	fmt.Println("\n]")
	return <-errc
}
