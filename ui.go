package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/event"
	"github.com/rivo/tview"
)

// columns

type Column struct {
	name  string
	width int
}

var columns = []Column{
	{"ID", 6},
	{"IP Address", 17},
	{"MAC Address", 19},
	{"Name", 30},
	{"Hostname", 24},
	{"First seen", 21},
	{"Last seen", 21},
	{"Status", 16},
	{"Watched", 9},
}

const (
	alertPage  = "alert"
	renamePage = "rename"
	mainPage   = "main"
	timeFormat = "2006-01-02 15:04:05"
)

// ui data structure

type UIEntry struct {
	ID       string
	IP       string
	MAC      string
	Name     string
	Hostname string
	FirstTs  string
	LastTs   string
	Status   string
	Watched  string
}

type deviceEditor interface {
	GetState() []device.Device
	SetCustomName(ctx context.Context, ref string, name string) (device.Device, error)
	SetWatched(ctx context.Context, ref string, watched bool) (device.Device, error)
}

// virtual table: https://github.com/rivo/tview/wiki/VirtualTable

type UIApp struct {
	tview.TableContentReadOnly
	app     *tview.Application
	pages   *tview.Pages
	table   *tview.Table
	devices deviceEditor
	rescan  func() bool
	logger  *slog.Logger

	mu   sync.RWMutex
	data []UIEntry
}

func newUIApp(devices deviceEditor, rescan func() bool, logger *slog.Logger) *UIApp {
	uiApp := &UIApp{
		TableContentReadOnly: tview.TableContentReadOnly{},
		app:                  tview.NewApplication(),
		pages:                tview.NewPages(),
		table:                tview.NewTable().SetEvaluateAllRows(false),
		devices:              devices,
		rescan:               rescan,
		logger:               logger,
	}
	uiApp.setData(devices.GetState())
	return uiApp
}

func toUIEntries(devices []device.Device) []UIEntry {
	entries := make([]UIEntry, 0, len(devices))
	for _, d := range devices {
		entry := UIEntry{
			ID:       strconv.FormatInt(d.ID, 10),
			IP:       d.IP,
			MAC:      d.MAC,
			Name:     d.DisplayName(),
			Hostname: d.Hostname,
			FirstTs:  formatTs(d.FirstSeen),
			LastTs:   formatTs(d.LastSeen),
			Status:   deviceStatus(d),
		}
		if d.Watched {
			entry.Watched = "yes"
		}
		entries = append(entries, entry)
	}
	return entries
}

func deviceStatus(d device.Device) string {
	switch {
	case !d.Connected:
		return "disconnected"
	case d.MissedScans > 0:
		return fmt.Sprintf("missing (%v)", d.MissedScans)
	default:
		return "connected"
	}
}

func formatTs(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(timeFormat)
}

func (uiApp *UIApp) setData(devices []device.Device) {
	entries := toUIEntries(devices)
	uiApp.mu.Lock()
	uiApp.data = entries
	uiApp.mu.Unlock()
}

// refresh replaces the table content and redraws. It is safe to call from any goroutine.
func (uiApp *UIApp) refresh(devices []device.Device) {
	defer uiApp.app.Draw()
	uiApp.setData(devices)
}

func (uiApp *UIApp) GetCell(row int, col int) *tview.TableCell {
	uiApp.mu.RLock()
	defer uiApp.mu.RUnlock()
	if row < 0 || row >= len(uiApp.data) || col < 0 || col >= len(columns) {
		return nil
	}

	entry := uiApp.data[row]
	values := []string{" " + entry.ID, entry.IP, entry.MAC, entry.Name, entry.Hostname, entry.FirstTs, entry.LastTs, entry.Status, entry.Watched}
	width := columns[col].width - 1
	cell := tview.NewTableCell(alignLeft(truncate(values[col], width), width))
	if entry.Status == "disconnected" {
		cell.SetTextColor(tcell.ColorGray)
	}
	return cell
}

func (uiApp *UIApp) GetRowCount() int {
	uiApp.mu.RLock()
	defer uiApp.mu.RUnlock()
	return len(uiApp.data)
}

func (uiApp *UIApp) GetColumnCount() int {
	return len(columns)
}

func (uiApp *UIApp) selected() (UIEntry, bool) {
	row, _ := uiApp.table.GetSelection()
	uiApp.mu.RLock()
	defer uiApp.mu.RUnlock()
	if row < 0 || row >= len(uiApp.data) {
		return UIEntry{}, false
	}
	return uiApp.data[row], true
}

// showAlert pops up a modal for a watched device. It is safe to call from any goroutine.
func (uiApp *UIApp) showAlert(alert event.Alert) {
	uiApp.app.QueueUpdateDraw(func() {
		modal := tview.NewModal().
			SetText(alert.Title() + "\n\n" + alert.Message()).
			AddButtons([]string{"OK"}).
			SetDoneFunc(func(int, string) {
				uiApp.pages.RemovePage(alertPage)
			})
		uiApp.pages.AddPage(alertPage, modal, true, true)
	})
}

func (uiApp *UIApp) showAlerts(ctx context.Context, alerts <-chan event.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-alerts:
			uiApp.showAlert(alert)
		}
	}
}

func (uiApp *UIApp) toggleWatch(ctx context.Context) {
	entry, ok := uiApp.selected()
	if !ok {
		return
	}
	go func() {
		if _, err := uiApp.devices.SetWatched(ctx, entry.MAC, entry.Watched == ""); err != nil {
			uiApp.logger.Error("unable to update watched device", slog.String("MAC", entry.MAC), slog.Any("error", err))
		}
		uiApp.refresh(uiApp.devices.GetState())
	}()
}

func (uiApp *UIApp) showRename(ctx context.Context) {
	entry, ok := uiApp.selected()
	if !ok {
		return
	}

	closeForm := func() {
		uiApp.pages.RemovePage(renamePage)
		uiApp.app.SetFocus(uiApp.table)
	}
	form := tview.NewForm()
	form.AddInputField("Name", "", 30, nil, nil).
		AddButton("Save", func() {
			name := form.GetFormItemByLabel("Name").(*tview.InputField).GetText()
			closeForm()
			go func() {
				if _, err := uiApp.devices.SetCustomName(ctx, entry.MAC, name); err != nil {
					uiApp.logger.Error("unable to rename device", slog.String("MAC", entry.MAC), slog.Any("error", err))
				}
				uiApp.refresh(uiApp.devices.GetState())
			}()
		}).
		AddButton("Cancel", closeForm)
	form.SetBorder(true).SetTitle(fmt.Sprintf(" Rename %v ", entry.MAC))

	uiApp.pages.AddPage(renamePage, centered(form, 50, 7), true, true)
}

func centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)
}

// load the UI

// loadUI blocks until the user quits or the application is stopped, then calls quit.
func loadUI(ctx context.Context, uiApp *UIApp, ifaceName string, segment string, quit func()) error {
	defer quit()

	headerRow := getHeaderRow()
	uiApp.table.SetContent(uiApp)
	uiApp.table.SetSelectable(true, false)

	newTextView := func(text string, align int) tview.Primitive {
		return tview.NewTextView().
			SetTextAlign(align).
			SetText(text)
	}

	titleBar := fmt.Sprintf(" LanMonitor  |  Interface: %v  |  Segment: %v ", ifaceName, segment)
	menuBar := " ▲ / ▼ - Select  |  W - Watch  |  N - Name  |  R - Rescan  |  Q / ESC - Quit"
	grid := tview.NewGrid().
		SetRows(1, 1, 0, 1).
		SetColumns(0, 0, 0, 0).
		SetBorders(true).
		AddItem(newTextView(titleBar, tview.AlignLeft), 0, 0, 1, 4, 0, 0, false).
		AddItem(newTextView(headerRow, tview.AlignLeft), 1, 0, 1, 4, 0, 0, false).
		AddItem(uiApp.table, 2, 0, 1, 4, 0, 0, true).
		AddItem(newTextView(menuBar, tview.AlignLeft), 3, 0, 1, 4, 0, 0, false)

	grid.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Rune() == 'q' || event.Key() == tcell.KeyEsc:
			uiApp.app.Stop()
			return nil
		case event.Rune() == 'w':
			uiApp.toggleWatch(ctx)
			return nil
		case event.Rune() == 'n':
			uiApp.showRename(ctx)
			return nil
		case event.Rune() == 'r':
			if !uiApp.rescan() {
				uiApp.logger.Info("rescan skipped, a scan is already in progress")
			}
			return nil
		case event.Key() == tcell.KeyLeft || event.Key() == tcell.KeyRight:
			return nil
		}
		return event
	})

	uiApp.pages.AddPage(mainPage, grid, true, true)
	return uiApp.app.SetRoot(uiApp.pages, true).Run()
}

func getHeaderRow() string {
	var headers string
	for i, col := range columns {
		var header string
		if i == 0 {
			header = " " + col.name
		} else {
			header = col.name
		}
		headers += alignLeft(header, col.width)
	}
	return headers
}

func truncate(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width || width < 4 {
		return text
	}
	return string(runes[:width-3]) + "..."
}

func alignLeft(text string, len int) string {
	format := fmt.Sprintf("%%-%vs", len)
	return fmt.Sprintf(format, text)
}
