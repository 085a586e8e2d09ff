package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/view"
)

const createdLayout = "2006-01-02 15:04"

var (
	pendingColor = color.New(color.FgYellow)
	foundColor   = color.New(color.FgGreen)
	closedColor  = color.New(color.FgHiBlack)
	otherColor   = color.New(color.FgBlue)
	errorColor   = color.New(color.FgRed, color.Bold)
	headerColor  = color.New(color.Bold)
)

// statusColor returns the color a status is printed in.
func statusColor(status string) *color.Color {
	switch status {
	case model.StatusPending:
		return pendingColor
	case model.StatusFound:
		return foundColor
	case model.StatusClosed:
		return closedColor
	default:
		return otherColor
	}
}

// printItems writes items as a table or as JSON.
func (a *app) printItems(items []model.Item) error {
	if a.asJSON {
		return a.printJSON(items)
	}

	if len(items) == 0 {
		_, err := fmt.Fprintln(a.out, "No items found.")
		return err
	}

	loc := a.cfg.Location()

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, headerColor.Sprint("ID\tNAME\tCATEGORY\tSTATUS\tCREATED\tPHOTO\tCONTACT"))
	for i := range items {
		item := &items[i]
		photo := "-"
		if item.HasImage() {
			photo = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.Name,
			item.Category,
			statusColor(item.Status).Sprint(strings.ToUpper(item.Status)),
			item.CreatedAt.In(loc).Format(createdLayout),
			photo,
			item.ContactInfo,
		)
	}

	return tw.Flush()
}

// printView writes one live view update.
func (a *app) printView(v view.View) error {
	if a.asJSON {
		return a.printJSON(v)
	}

	if v.Error != "" {
		_, err := fmt.Fprintln(a.out, errorColor.Sprint("error: "+v.Error))
		return err
	}

	if _, err := fmt.Fprintf(a.out, "== version %d: %d items\n", v.Version, v.Total); err != nil {
		return err
	}

	return a.printItems(v.Items)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
