package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"iot_auth/internal/model"
	"iot_auth/internal/utils/log"
)

// App is the operator dashboard: a live device table and an input line that
// sends an encrypted message to the selected device.
type App struct {
	app    *tview.Application
	table  *tview.Table
	events *tview.TextView
	input  *tview.InputField

	client   *Client
	interval time.Duration

	devices []model.DeviceStatus
}

func NewApp(client *Client, interval time.Duration) *App {
	return &App{
		app:      tview.NewApplication(),
		client:   client,
		interval: interval,
	}
}

// Run blocks until the UI exits or ctx is cancelled.
func (c *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.poll(ctx)
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	return c.renderUI()
}

func (c *App) renderUI() error {
	c.table = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	c.table.SetBorder(true).SetTitle(" Devices ")
	c.setHeader()

	c.events = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.events.SetBorder(true).SetTitle(" Events ")

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Send to selected device ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		deviceID, ok := c.selected()
		if !ok {
			fmt.Fprintln(c.events, "[red]no device selected[-]")
			return
		}

		go func(id, msg string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.client.SendMessage(ctx, id, msg); err != nil {
				c.logf("[red]send to %s failed:[-] %v", id, err)
				return
			}
			c.logf("[yellow]-> %s:[-] %s", id, msg)
			c.app.QueueUpdateDraw(func() { c.input.SetText("") })
		}(deviceID, text)
	})

	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			if c.app.GetFocus() == c.input {
				c.app.SetFocus(c.table)
			} else {
				c.app.SetFocus(c.input)
			}
			return nil
		}
		return ev
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.table, 0, 2, true).
		AddItem(c.events, 0, 1, false).
		AddItem(c.input, 3, 0, false)

	return c.app.SetRoot(layout, true).SetFocus(c.table).Run()
}

func (c *App) poll(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		statuses, err := c.client.ListDevices(ctx)
		if err != nil {
			log.Debug("list devices failed", zap.Error(err))
			c.logf("[red]refresh failed:[-] %v", err)
		} else {
			c.app.QueueUpdateDraw(func() { c.render(statuses) })
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *App) setHeader() {
	for col, title := range []string{"DEVICE", "STATUS", "LAST SEEN"} {
		c.table.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}
}

// render runs on the UI goroutine.
func (c *App) render(statuses []model.DeviceStatus) {
	c.devices = statuses
	c.table.Clear()
	c.setHeader()

	for i, st := range statuses {
		status, color := "offline", tcell.ColorGray
		if st.Online {
			status, color = "online", tcell.ColorGreen
		}
		row := i + 1
		c.table.SetCell(row, 0, tview.NewTableCell(st.DeviceID))
		c.table.SetCell(row, 1, tview.NewTableCell(status).SetTextColor(color))
		c.table.SetCell(row, 2, tview.NewTableCell(formatSeen(st.LastSeen)))
	}
}

func (c *App) selected() (string, bool) {
	row, _ := c.table.GetSelection()
	if row < 1 || row > len(c.devices) {
		return "", false
	}
	return c.devices[row-1].DeviceID, true
}

func (c *App) logf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.events, format+"\n", args...)
		c.events.ScrollToEnd()
	})
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
