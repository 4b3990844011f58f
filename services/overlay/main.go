package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/classline/messenger/internal/api"
	"github.com/classline/messenger/internal/broker"
	"github.com/classline/messenger/internal/config"
	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/overlay"
)

// A small terminal client for the messaging overlay. Commands:
//
//	/focus <conversation-id>   open a conversation
//	/more                      load the next conversation page
//	/reply <message-id>        stage a reply for the next send
//	/file <path>               stage a file for the next send
//	/ls                        print the conversation list
//	/quit                      exit
//
// Any other input is sent as a message to the focused conversation.
func main() {
	logger.SetPrefix("overlay")
	token := flag.String("token", "", "access token")
	userID := flag.String("user", "", "user id")
	flag.Parse()

	if *token == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: overlay -token <token> -user <user-id>")
		os.Exit(1)
	}

	cfg := config.Load()
	client := api.NewClient(cfg.APIBaseURL, *token)
	session := broker.NewSession(cfg.BrokerURL, *userID, cfg.ReconnectDelay, cfg.PongTimeout)
	ov := overlay.New(client, session, *userID, cfg.PageSize)

	session.OnConnect = ov.HandleConnect
	session.OnNotify = ov.HandleNotify
	session.OnMessage = ov.HandleMessage
	ov.SetOnUpdate(func() { render(ov) })

	ov.Open(*token)
	defer ov.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/ls":
			render(ov)
		case line == "/more":
			ov.LoadMoreConversations()
		case strings.HasPrefix(line, "/focus "):
			ov.Focus(strings.TrimSpace(strings.TrimPrefix(line, "/focus ")))
		case strings.HasPrefix(line, "/reply "):
			ov.SetReplyTo(strings.TrimSpace(strings.TrimPrefix(line, "/reply ")))
		case strings.HasPrefix(line, "/file "):
			stageFile(ov, strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
		default:
			send(ov, line)
		}
	}
}

func send(ov *overlay.Overlay, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ov.Send(ctx, text); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
	}
}

func stageFile(ov *overlay.Overlay, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file: %v\n", err)
		return
	}
	ov.AttachFile(&api.File{
		Name: filepath.Base(path),
		Data: data,
	})
	fmt.Printf("staged %s (%d bytes)\n", filepath.Base(path), len(data))
}

func render(ov *overlay.Overlay) {
	if focused := ov.Focused(); focused != "" {
		fmt.Printf("-- conversation %s --\n", focused)
		for _, m := range ov.Messages() {
			line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Format("15:04"), m.Sender.Username, m.Content)
			if m.Attachment != nil {
				line += fmt.Sprintf(" (file: %s)", m.Attachment.Name)
			}
			fmt.Println(line)
		}
		return
	}
	fmt.Println("-- conversations --")
	for _, c := range ov.Conversations() {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Printf("%s  %s  %s\n", c.ID, c.Participant.Username, last)
	}
	if ov.HasMoreConversations() {
		fmt.Println("(/more for older conversations)")
	}
}
