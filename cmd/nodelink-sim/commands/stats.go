package commands

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skycoin/nodelink/pkg/linklog"
	"github.com/skycoin/nodelink/pkg/routing"
	"github.com/skycoin/nodelink/pkg/util/pathutil"
)

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print entries as JSON")
}

var statsCmd = &cobra.Command{
	Use:   "stats <db>",
	Short: "Prints the link statistics stored in a BoltDB link log",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		path := pathutil.Expand(args[0])
		if _, err := os.Stat(path); err != nil {
			log.Fatalf("Failed to open link log: %s", err)
		}
		db, err := linklog.NewBoltDBStore(path)
		if err != nil {
			log.Fatalf("Failed to open link log: %s", err)
		}
		defer func() { _ = db.Close() }() // nolint

		entries := make(map[routing.NodeName]*linklog.Entry)
		err = db.RangeEntries(func(name routing.NodeName, e *linklog.Entry) bool {
			entries[name] = e
			return true
		})
		if err != nil {
			log.Fatalf("Failed to read link log: %s", err)
		}
		if statsJSON {
			printJSON(entries)
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.TabIndent)
		_, _ = fmt.Fprintln(w, "NODE\tLINKS\tSENT\tRECEIVED\tBYTES SENT\tBYTES RECEIVED\tRELAYED\tINVALID") // nolint
		for name, e := range entries {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", name, e.Links, e.MessagesSent, // nolint
				e.MessagesReceived, e.BytesSent, e.BytesReceived, e.Relayed, e.ValidationFailures)
		}
		_ = w.Flush() // nolint
	},
}

func printJSON(v interface{}) {
	raw, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		log.Fatalf("Failed to encode output: %s", err)
	}
	fmt.Println(string(raw))
}
