package hubsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type nodeRow struct {
	Name    string `header:"name"`
	Kind    string `header:"kind"`
	Remote  string `header:"remote"`
	Uptime  string `header:"online for"`
	Pending int    `header:"pending"`
	Modules int    `header:"modules"`
}

// PrintStatusForever prints the node table every refresh until ctx is done.
func (h *HubServer) PrintStatusForever(ctx context.Context, refresh time.Duration) {
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		h.PrintStatus(os.Stdout)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PrintStatus writes one row per known node.
func (h *HubServer) PrintStatus(w io.Writer) {
	now := time.Now()
	rows := make([]nodeRow, 0)
	for _, st := range h.Statuses() {
		uptime := "OFFLINE"
		if st.Online && st.ConnectedAt != nil {
			uptime = fmt.Sprintf("%ds", int(now.Sub(*st.ConnectedAt).Seconds()))
		}
		rows = append(rows, nodeRow{st.Name, st.Kind, st.Remote, uptime, st.Pending, len(st.Modules)})
	}

	printer := tableprinter.New(w)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	printer.Print(rows)
}
