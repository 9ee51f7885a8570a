package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Notifier delivers one alert. Implementations should honour ctx.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// FileNotifier writes every alert as a JSON file into a directory watched by other tools.
// Alerts of one scan share a timestamp, so the alert ID keeps their file names apart.
type FileNotifier struct {
	dir string
}

func NewFileNotifier(dir string) FileNotifier {
	return FileNotifier{dir: dir}
}

func (n FileNotifier) Notify(_ context.Context, alert Alert) error {
	notification := alert.toNotification()
	fileName := notificationFileName(notification.Ts, alert.Kind, notification.Id)
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return syncWriteToFile(filepath.Join(n.dir, fileName), data)
}

func notificationFileName(ts int64, kind Kind, id string) string {
	return fmt.Sprintf("lanmonitor-%v-%v-%v.json", ts, int(kind), id)
}

func syncWriteToFile(filename string, data []byte) error {
	// put extra effort into making sure the alerts are delivered without delay
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_SYNC, 0644)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return err
}

// CommandNotifier runs an external command per alert, e.g. notify-send, with the alert
// title and message appended as the last two arguments and details in the environment.
type CommandNotifier struct {
	command []string
}

func NewCommandNotifier(command []string) (CommandNotifier, error) {
	if len(command) == 0 || command[0] == "" {
		return CommandNotifier{}, errors.New("empty alert command")
	}
	return CommandNotifier{command: command}, nil
}

func (n CommandNotifier) Notify(ctx context.Context, alert Alert) error {
	args := append(append([]string{}, n.command[1:]...), alert.Title(), alert.Message())
	cmd := exec.CommandContext(ctx, n.command[0], args...)
	cmd.Env = append(os.Environ(),
		"LANMONITOR_EVENT="+alert.Kind.String(),
		"LANMONITOR_IDENTITY="+alert.Identity,
		"LANMONITOR_DEVICE_ID="+strconv.FormatInt(alert.Device.ID, 10),
		"LANMONITOR_MAC="+alert.Device.MAC,
		"LANMONITOR_IP="+alert.Device.IP,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("alert command %v: %w: %s", n.command[0], err, out)
	}
	return nil
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) LogNotifier {
	return LogNotifier{logger: logger}
}

func (n LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.LogAttrs(ctx, slog.LevelInfo, alert.Title(),
		slog.String("event", alert.Kind.String()),
		slog.String("identity", alert.Identity),
		slog.Int64("id", alert.Device.ID),
		slog.String("MAC", alert.Device.MAC),
		slog.String("IP", alert.Device.IP),
		slog.Any("otherIps", alert.OtherIps),
	)
	return nil
}

// ChannelNotifier hands alerts to an in-process consumer such as the terminal UI.
type ChannelNotifier struct {
	ch chan<- Alert
}

func NewChannelNotifier(ch chan<- Alert) ChannelNotifier {
	return ChannelNotifier{ch: ch}
}

func (n ChannelNotifier) Notify(ctx context.Context, alert Alert) error {
	select {
	case n.ch <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
