package main

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

//go:embed static/*.*
var staticFS embed.FS

const (
	colorReset  = "\033[0m"
	colorGrey   = "\033[90m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorWhite  = "\033[97m"

	colorGreen   = "\033[32m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorRed     = "\033[31m"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&styledFormatter{})
	return l
}

func setLogLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

// successKey marks an info entry to be rendered green.
const successKey = "success"

// styledFormatter renders entries as a grey timestamp followed by the
// coloured message and any fields as key=value.
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
	fmt.Fprintf(&b, "%s%s%s %s%s%s", colorGrey, e.Time.Format("2006/01/02 15:04:05"), colorReset, color, e.Message, colorReset)

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

func ShowTheBanner() {
	data, err := staticFS.ReadFile("static/banner.txt")
	if err != nil {
		LogFatalError(err)
	}

	lines := strings.Split(string(data), "\n")
	printGradientBanner(lines)
}

func printGradientBanner(lines []string) {
	total := 0
	for _, line := range lines {
		total += len(line)
	}

	index := 0
	for _, line := range lines {
		for _, char := range line {
			r, g := gradientColor(index, total)
			fmt.Printf("\033[38;2;%d;%d;0m%c", r, g, char)
			index++
		}
		fmt.Println()
	}
	fmt.Print(colorReset)
}

func gradientColor(position, max int) (int, int) {
	if max == 0 {
		return 255, 0
	}

	r := 255
	g := int(float64(position) / float64(max) * 230)
	if g > 230 {
		g = 230
	}
	return r, g
}

func LogInfo(msg string)    { logger.Info(msg) }
func LogWarn(msg string)    { logger.Warn(msg) }
func LogSuccess(msg string) { logger.WithField(successKey, true).Info(msg) }

func LogFatal(msg string) {
	logger.Error(msg)
	os.Exit(1)
}

func LogFatalError(err error) {
	LogFatal(fmt.Sprintf("%v", err))
}

func LogTask(taskName string, taskFunc func() error) {
	start := time.Now()

	timestamp := time.Now().Format("2006/01/02 15:04:05")
	fmt.Printf("%s%s %s%-50s%s", colorGrey, timestamp, colorCyan, taskName+"...", colorReset)

	err := taskFunc()
	elapsed := time.Since(start)

	if err != nil {
		fmt.Printf("[%sFAIL%s] %s(%v)%s\n", colorRed, colorReset, colorGrey, elapsed, colorReset)
		LogFatal(fmt.Sprintf("↳ Error: %v", err))
	} else {
		fmt.Printf("[ %sOK%s ] %s(%v)%s\n", colorGreen, colorReset, colorGrey, elapsed, colorReset)
	}
}
