package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/edgeo-scada/bacnet"
)

// Formatter renders the human-readable tables shared by the scan, info
// and objects commands. JSON and CSV rendering stay with each command.
type Formatter struct {
	writer io.Writer
}

// NewFormatter writes to stdout.
func NewFormatter() *Formatter {
	return &Formatter{writer: os.Stdout}
}

// Printf formats and prints output.
func (f *Formatter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(f.writer, format, args...)
}

// PrintTable renders rows under headers with a separator line, columns
// padded to the widest cell.
func (f *Formatter) PrintTable(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	separators := make([]string, len(headers))
	for i, h := range headers {
		separators[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(separators, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// PrintKeyValue renders the pairs present in order as an aligned block.
// Keys missing from pairs (unanswered property reads) are skipped.
func (f *Formatter) PrintKeyValue(pairs map[string]interface{}, order []string) {
	tw := tabwriter.NewWriter(f.writer, 0, 0, 1, ' ', 0)
	for _, key := range order {
		if val, ok := pairs[key]; ok {
			fmt.Fprintf(tw, "%s:\t%v\n", key, val)
		}
	}
	tw.Flush()
}

// deviceHeaders and deviceRow shape one discovered device for PrintTable.
var deviceHeaders = []string{"DEVICE ID", "ADDRESS", "VENDOR", "SEGMENTATION", "MAX APDU"}

func deviceRow(dev *bacnet.DeviceInfo) []string {
	return []string{
		fmt.Sprintf("%d", dev.ObjectID.Instance),
		formatAddress(dev.Address),
		fmt.Sprintf("%d", dev.VendorID),
		dev.Segmentation.String(),
		fmt.Sprintf("%d", dev.MaxAPDULength),
	}
}

// objectHeaders and objectRow shape one object identifier for PrintTable.
var objectHeaders = []string{"OBJECT TYPE", "INSTANCE"}

func objectRow(oid bacnet.ObjectIdentifier) []string {
	return []string{oid.Type.String(), fmt.Sprintf("%d", oid.Instance)}
}
