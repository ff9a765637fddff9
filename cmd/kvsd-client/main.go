// Command kvsd-client connects to a running kvsd-server and drops into an
// interactive REPL for subscribing to and unsubscribing from keys.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/kvsd/kvsd/internal/ipc"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run parses arguments, connects to the server, and runs the REPL until the
// user disconnects or an unrecoverable I/O error occurs.
func Run(args []string, out, errOut io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(errOut, "usage: kvsd-client <client_id> <registration_fifo_name>")
		return 2
	}

	clientID := args[1]
	fifoName := args[2]

	client, err := connect(clientID, fifoName)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	defer client.close()

	go client.readNotifications(out)

	repl := &repl{client: client, out: out}

	return repl.run()
}

// client is one live connection's pipe triple, opened per §6.4/§6.5's
// fixed-width FIFO protocol.
type client struct {
	request      *os.File
	response     *os.File
	notification *os.File
}

// connect creates this client's three session pipes, sends a CONNECT frame
// over the registration FIFO, and opens the three pipes in the same order
// the server opens its ends, to avoid a FIFO-open deadlock.
func connect(clientID, fifoName string) (*client, error) {
	reqPath := filepath.Join("/tmp", "req"+clientID)
	respPath := filepath.Join("/tmp", "resp"+clientID)
	notifPath := filepath.Join("/tmp", "notif"+clientID)

	for _, p := range []string{reqPath, respPath, notifPath} {
		if err := ipc.MakeFIFO(p, 0o600); err != nil {
			return nil, fmt.Errorf("creating %s: %w", p, err)
		}
	}

	frame, err := ipc.EncodeConnect(ipc.ConnectFrame{
		RequestPath:      reqPath,
		ResponsePath:     respPath,
		NotificationPath: notifPath,
	})
	if err != nil {
		return nil, err
	}

	reg, err := os.OpenFile(filepath.Join("/tmp", fifoName), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening registration FIFO: %w", err)
	}

	_, writeErr := reg.Write(frame)
	reg.Close()

	if writeErr != nil {
		return nil, fmt.Errorf("sending CONNECT frame: %w", writeErr)
	}

	resp, err := os.OpenFile(respPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening response pipe: %w", err)
	}

	req, err := os.OpenFile(reqPath, os.O_WRONLY, 0)
	if err != nil {
		resp.Close()
		return nil, fmt.Errorf("opening request pipe: %w", err)
	}

	notif, err := os.OpenFile(notifPath, os.O_RDONLY, 0)
	if err != nil {
		resp.Close()
		req.Close()

		return nil, fmt.Errorf("opening notification pipe: %w", err)
	}

	var connectResp [ipc.ResponseFrameSize]byte
	if _, err := resp.Read(connectResp[:]); err != nil {
		resp.Close()
		req.Close()
		notif.Close()

		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}

	if _, ok := ipc.DecodeResponse(connectResp); !ok {
		resp.Close()
		req.Close()
		notif.Close()

		return nil, errors.New("server rejected CONNECT")
	}

	return &client{request: req, response: resp, notification: notif}, nil
}

func (c *client) close() {
	c.request.Close()
	c.response.Close()
	c.notification.Close()
}

func (c *client) readNotifications(out io.Writer) {
	buf := make([]byte, ipc.NotificationSize)

	for {
		if _, err := io.ReadFull(c.notification, buf); err != nil {
			return
		}

		fmt.Fprintf(out, "\nnotification: %s\n", ipc.RenderNotification(buf))
	}
}

func (c *client) subscribe(key string) (bool, error) {
	return c.keyCommand(ipc.OpSubscribe, key)
}

func (c *client) unsubscribe(key string) (bool, error) {
	return c.keyCommand(ipc.OpUnsubscribe, key)
}

func (c *client) keyCommand(op ipc.Opcode, key string) (bool, error) {
	frame, err := ipc.EncodeKeyFrame(op, key)
	if err != nil {
		return false, err
	}

	if _, err := c.request.Write(frame); err != nil {
		return false, err
	}

	var resp [ipc.ResponseFrameSize]byte
	if _, err := c.response.Read(resp[:]); err != nil {
		return false, err
	}

	_, ok := ipc.DecodeResponse(resp)

	return ok, nil
}

func (c *client) disconnect() error {
	if _, err := c.request.Write([]byte{byte(ipc.OpDisconnect)}); err != nil {
		return err
	}

	var resp [ipc.ResponseFrameSize]byte
	_, err := c.response.Read(resp[:])

	return err
}

// repl is the interactive command loop, grounded on the teacher's
// liner-based REPLs (cmd/sloty).
type repl struct {
	client *client
	out    io.Writer
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kvsd_client_history")
}

func (r *repl) run() int {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintln(r.out, "kvsd-client connected. Type 'help' for commands.")

	for {
		line, err := r.liner.Prompt("kvsd> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				r.client.disconnect()
				r.saveHistory()

				return 0
			}

			fmt.Fprintf(r.out, "error reading input: %v\n", err)
			r.saveHistory()

			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		switch cmd {
		case "exit", "quit", "disconnect":
			if err := r.client.disconnect(); err != nil {
				fmt.Fprintf(r.out, "error disconnecting: %v\n", err)
			}

			r.saveHistory()

			return 0

		case "help", "?":
			r.printHelp()

		case "subscribe", "sub":
			r.cmdSubscribe(cmdArgs)

		case "unsubscribe", "unsub":
			r.cmdUnsubscribe(cmdArgs)

		default:
			fmt.Fprintf(r.out, "unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"subscribe", "unsubscribe", "help", "exit", "quit", "disconnect"}

	var completions []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}

	return completions
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  subscribe <key>     Subscribe to a key's write/delete notifications")
	fmt.Fprintln(r.out, "  unsubscribe <key>   Unsubscribe from a key")
	fmt.Fprintln(r.out, "  help                Show this help")
	fmt.Fprintln(r.out, "  exit / quit / disconnect   Disconnect and exit")
}

func (r *repl) cmdSubscribe(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.out, "usage: subscribe <key>")
		return
	}

	ok, err := r.client.subscribe(args[0])
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}

	if ok {
		fmt.Fprintf(r.out, "subscribed to %q\n", args[0])
	} else {
		fmt.Fprintf(r.out, "server rejected subscribe for %q\n", args[0])
	}
}

func (r *repl) cmdUnsubscribe(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.out, "usage: unsubscribe <key>")
		return
	}

	ok, err := r.client.unsubscribe(args[0])
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}

	if ok {
		fmt.Fprintf(r.out, "unsubscribed from %q\n", args[0])
	} else {
		fmt.Fprintf(r.out, "server rejected unsubscribe for %q\n", args[0])
	}
}
