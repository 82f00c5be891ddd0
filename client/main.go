package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TheRustyPickle/Chirp-sub000/client/controller"
	clog "github.com/TheRustyPickle/Chirp-sub000/client/log"
	"github.com/TheRustyPickle/Chirp-sub000/client/net"
	"github.com/TheRustyPickle/Chirp-sub000/client/store"
)

type clientConfig struct {
	HubURL    string
	DataPath  string
	Name      string
	ImageLink *string
	LogLevel  string
}

// loadConfig resolves settings from flags first, then CHIRP_* environment
// variables, then defaults.
func loadConfig(cmd *cobra.Command) (clientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("CHIRP")
	v.AutomaticEnv()

	v.SetDefault("hub_url", "ws://localhost:8080/gateway")
	v.SetDefault("data", "chirp-profile.db")
	v.SetDefault("log_level", "warning")

	for key, flag := range map[string]string{
		"hub_url":   "hub",
		"data":      "data",
		"name":      "name",
		"image":     "image",
		"log_level": "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return clientConfig{}, err
		}
	}

	c := clientConfig{
		HubURL:   v.GetString("hub_url"),
		DataPath: v.GetString("data"),
		Name:     v.GetString("name"),
		LogLevel: v.GetString("log_level"),
	}
	if link := v.GetString("image"); link != "" {
		c.ImageLink = &link
	}
	if c.HubURL == "" {
		return clientConfig{}, fmt.Errorf("hub url cannot be empty")
	}
	if c.DataPath == "" {
		return clientConfig{}, fmt.Errorf("profile path cannot be empty")
	}
	return c, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chirp",
		Short: "Line mode client for a chirp hub",
		Long: `chirp keeps one connection to a hub open, reconnecting with backoff, and
reads commands from stdin. Run it once with --name to create a user; the key
pair and token are kept in the profile file afterwards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runClient(cfg, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().String("hub", "", "gateway url (CHIRP_HUB_URL)")
	cmd.Flags().String("data", "", "profile file (CHIRP_DATA)")
	cmd.Flags().String("name", "", "user name, only used on first run (CHIRP_NAME)")
	cmd.Flags().String("image", "", "avatar link, only used on first run (CHIRP_IMAGE)")
	cmd.Flags().String("log-level", "", "logrus level (CHIRP_LOG_LEVEL)")
	return cmd
}

func runClient(cfg clientConfig, in io.Reader, out io.Writer) error {
	if err := clog.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	base, err := net.HTTPBase(cfg.HubURL)
	if err != nil {
		return fmt.Errorf("hub url: %v", err)
	}

	var profile *store.Store
	if err := clog.TimedTask("Opening profile", func() error {
		profile, err = store.Open(cfg.DataPath)
		return err
	}); err != nil {
		return err
	}
	defer profile.Close()

	dial := controller.DialerFunc(func(ctx context.Context) (controller.Transport, error) {
		c, err := net.Dial(ctx, cfg.HubURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	ctrl, err := controller.New(controller.Config{
		Dialer:    dial,
		Store:     profile,
		Name:      cfg.Name,
		ImageLink: cfg.ImageLink,
	})
	if err != nil {
		return err
	}
	ctrl.Start()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range ctrl.EventSink {
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sh := &shell{ctrl: ctrl, out: out, lookup: func(ctx context.Context, uid uint64) (string, error) {
		u, err := net.LookupUser(ctx, base, uid)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %s", u.UserID, u.UserName), nil
	}}
loop:
	for {
		select {
		case <-sig:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := sh.run(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				break loop
			}
		}
	}

	ctrl.Shutdown()
	<-printed
	clog.LogSuccess("Disconnected")
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		clog.LogFatalError(err)
	}
}
