package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/TheRustyPickle/Chirp-sub000/client/controller"
)

const helpText = `commands:
  /open <user>             start chatting with a user
  /send <user> <text>      send a message
  /delete <user> <number>  delete a message you sent
  /user <user>             fetch a profile over the socket
  /whois <user>            look a user up in the hub directory
  /name <name>             change your name
  /image [link]            change or clear your avatar
  /state                   show the connection state
  /reload                  reconnect now
  /quit`

var errUsage = errors.New("bad arguments, try /help")

// intents is the part of the controller the shell drives.
type intents interface {
	SendMessage(peer uint64, text string)
	DeleteMessage(peer uint64, number uint32)
	OpenChat(peer uint64)
	RequestUser(peer uint64)
	UpdateName(name string)
	UpdateImage(link *string)
	Reload()
	State() controller.State
}

type shell struct {
	ctrl   intents
	out    io.Writer
	lookup func(ctx context.Context, uid uint64) (string, error)

	// current is the peer a bare line is sent to.
	current uint64
}

// run executes one input line and reports whether the user asked to quit.
func (s *shell) run(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if s.current == 0 {
			return false, errors.New("no open chat, use /open <user> first")
		}
		s.ctrl.SendMessage(s.current, line)
		return false, nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/open":
		uid, err := parseUser(rest)
		if err != nil {
			return false, err
		}
		s.current = uid
		s.ctrl.OpenChat(uid)
	case "/send":
		who, text, _ := strings.Cut(rest, " ")
		uid, err := parseUser(who)
		text = strings.TrimSpace(text)
		if err != nil || text == "" {
			return false, errUsage
		}
		s.ctrl.SendMessage(uid, text)
	case "/delete":
		args := strings.Fields(rest)
		if len(args) != 2 {
			return false, errUsage
		}
		uid, err := parseUser(args[0])
		if err != nil {
			return false, err
		}
		n, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil || n == 0 {
			return false, errUsage
		}
		s.ctrl.DeleteMessage(uid, uint32(n))
	case "/user":
		uid, err := parseUser(rest)
		if err != nil {
			return false, err
		}
		s.ctrl.RequestUser(uid)
	case "/whois":
		uid, err := parseUser(rest)
		if err != nil {
			return false, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		who, err := s.lookup(ctx, uid)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, who)
	case "/name":
		if rest == "" {
			return false, errUsage
		}
		s.ctrl.UpdateName(rest)
	case "/image":
		if rest == "" {
			s.ctrl.UpdateImage(nil)
		} else {
			s.ctrl.UpdateImage(&rest)
		}
	case "/state":
		fmt.Fprintln(s.out, s.ctrl.State())
	case "/reload":
		s.ctrl.Reload()
	default:
		return false, fmt.Errorf("unknown command %s, try /help", verb)
	}
	return false, nil
}

func parseUser(s string) (uint64, error) {
	uid, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return uid, nil
}

// formatEvent renders a controller event as one line of output. Events the
// user does not need to see render as "".
func formatEvent(ev interface{}) string {
	switch e := ev.(type) {
	case *controller.ConnectedEvent:
		return fmt.Sprintf("* connected (session %d)", e.SessionID)
	case *controller.ReconnectingEvent:
		if e.Err != nil {
			return fmt.Sprintf("* connection failed: %v, retrying in %v", e.Err, e.Wait)
		}
		return fmt.Sprintf("* connection lost, retrying in %v", e.Wait)
	case *controller.IdentityEvent:
		if e.FirstRun {
			return fmt.Sprintf("* created user %d (%s)", e.UserID, e.Name)
		}
		return fmt.Sprintf("* signed in as %d (%s)", e.UserID, e.Name)
	case *controller.MessageEvent:
		m := e.Message
		stamp := m.CreatedAt.Local().Format("15:04")
		if m.IsDeleted() {
			return fmt.Sprintf("[%s] %d #%d <deleted>", stamp, m.FromUser, m.Number)
		}
		return fmt.Sprintf("[%s] %d #%d: %s", stamp, m.FromUser, m.Number, *m.Plaintext)
	case *controller.MessageDeletedEvent:
		return fmt.Sprintf("* chat %d: message #%d deleted", e.Peer, e.Number)
	case *controller.UserDataEvent:
		return fmt.Sprintf("* user %d is %s", e.User.UserID, e.User.UserName)
	case *controller.NameUpdatedEvent:
		return fmt.Sprintf("* user %d is now %s", e.UserID, e.Name)
	case *controller.ImageUpdatedEvent:
		if e.ImageLink == nil {
			return fmt.Sprintf("* user %d removed their avatar", e.UserID)
		}
		return fmt.Sprintf("* user %d changed their avatar to %s", e.UserID, *e.ImageLink)
	case *controller.DecryptFailedEvent:
		return fmt.Sprintf("* chat %d: message #%d could not be decrypted", e.Peer, e.Number)
	case *controller.SyncCompleteEvent:
		return ""
	}
	return ""
}
