//go:build linux
// +build linux

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/fzft/go-vmchannels/channels"
	"github.com/fzft/go-vmchannels/guest"
	"github.com/fzft/go-vmchannels/log"
)

// runConsole offers a small interactive surface when the daemon runs on a
// tty. The registered map is owned by this goroutine once the console starts.
func runConsole(l *channels.Listener, registered map[int]*guest.Channel, onMessage guest.MessageFunc, onTimeout guest.TimeoutFunc) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("guestmond> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return
			}
			log.Logger.Error("console read failed", zap.Error(err))
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		switch fields[0] {
		case "add":
			if len(fields) != 3 {
				fmt.Println("usage: add <vm> <socket-path>")
				continue
			}
			ch := guest.NewChannel(fields[1], fields[2], onMessage, onTimeout)
			fd, err := ch.Register(l)
			if err != nil {
				fmt.Println("add failed:", err)
				continue
			}
			registered[fd] = ch
			fmt.Printf("registered %s on fd %d\n", fields[1], fd)
		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <fd>")
				continue
			}
			fd, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad fd:", err)
				continue
			}
			l.Unregister(fd)
			delete(registered, fd)
			fmt.Printf("unregistered fd %d\n", fd)
		case "timeout":
			if len(fields) != 2 {
				fmt.Println("usage: timeout <seconds>")
				continue
			}
			secs, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad timeout:", err)
				continue
			}
			l.SetTimeout(time.Duration(secs) * time.Second)
		case "list":
			for fd, ch := range registered {
				fmt.Printf("fd %d: %s\n", fd, ch.VM())
			}
		case "quit", "exit":
			l.Stop()
			return
		default:
			fmt.Println("commands: add <vm> <path>, del <fd>, timeout <seconds>, list, quit")
		}
	}
}
