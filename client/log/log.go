package log

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	colorReset   = "\033[0m"
	colorGrey    = "\033[90m"
	colorCyan    = "\033[36m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"

	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorRed   = "\033[31m"
)

const timestampLayout = "2006/01/02 15:04:05"

// Logger is shared by every client package. It writes to stderr so the
// line front-end owns stdout.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&styledFormatter{})
	return l
}

func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

const successKey = "success"

type styledFormatter struct{}

func (f *styledFormatter) Format(e *logrus.Entry) ([]byte, error) {
	color := colorCyan
	switch e.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		color = colorBlue
	case logrus.WarnLevel:
		color = colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = colorRed
	}
	if _, ok := e.Data[successKey]; ok {
		color = colorGreen
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s%s%s %s%s%s", colorGrey, e.Time.Format(timestampLayout), colorReset, color, e.Message, colorReset)
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != successKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s%s=%s%v", colorMagenta, k, colorReset, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func LogError(msg string)   { Logger.Error(msg) }
func LogSuccess(msg string) { Logger.WithField(successKey, true).Info(msg) }
func LogFatalError(err error) {
	Logger.Error(fmt.Sprintf("%v", err))
	os.Exit(1)
}

func TimedTask(taskName string, taskFunc func() error) error {
	start := time.Now()

	timestamp := time.Now().Format(timestampLayout)
	fmt.Fprintf(os.Stderr, "%s%s %s%-50s%s", colorGrey, timestamp, colorCyan, taskName+"...", colorReset)
	err := taskFunc()
	elapsed := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "[%sFAIL%s] %s(%v)%s\n", colorRed, colorReset, colorGrey, elapsed, colorReset)
		LogError(fmt.Sprintf("↳ Error: %v", err))
		return err
	}

	fmt.Fprintf(os.Stderr, "[ %sOK%s ] %s(%v)%s\n", colorGreen, colorReset, colorGrey, elapsed, colorReset)
	return nil
}
