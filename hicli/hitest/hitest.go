// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	flag "maunium.net/go/mauflag"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/cryptohelper"
	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/hicli"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/timeline"
)

var writerTypeReadline zeroconfig.WriterType = "hitest_readline"

var configPath = flag.MakeFull("c", "config", "The path to the config file.", "hitest.yaml").String()
var usernameFlag = flag.MakeFull("u", "username", "The username to log in as.", "").String()
var wantHelp, _ = flag.MakeHelpFlag()

const qrSizePx = 512

func main() {
	flag.SetHelpTitles("hitest - messup test client", "hitest [-h] [-c <path>] [-u <username>]")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}

	rl := exerrors.Must(readline.New("> "))
	defer func() {
		_ = rl.Close()
	}()
	zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
		return rl.Stdout(), nil
	})
	if len(cfg.Logging.Writers) == 0 {
		cfg.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   writerTypeReadline,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	log := exerrors.Must(cfg.Logging.Compile())
	exzerolog.SetupDefaults(log)

	username := id.Username(*usernameFlag)
	if username == "" {
		rl.SetPrompt("Username: ")
		username = id.Username(strings.TrimSpace(exerrors.Must(rl.Readline())))
	}
	cookie := cfg.Server.SessionCookie
	if cookie == "" {
		cookie = string(exerrors.Must(rl.ReadPassword("Session cookie: ")))
	}
	client := exerrors.Must(messup.NewClient(cfg.Server.BaseURL))
	client.SetSessionCookie(cookie)

	rawDB := exerrors.Must(dbutil.NewFromConfig("hitest", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger())))
	ctx := log.WithContext(context.Background())
	cli := hicli.New(rawDB, client, cfg.Server.WebsocketURLs, username, *log)
	cli.PollingFallback = cfg.Session.PollingFallback
	if cfg.Session.PollInterval > 0 {
		cli.PollInterval = cfg.Session.PollInterval
	}
	if cfg.Session.SubscribeRetryMin > 0 {
		cli.Session.SubscribeRetryMin = cfg.Session.SubscribeRetryMin
	}
	if cfg.Session.SubscribeRetryMax > 0 {
		cli.Session.SubscribeRetryMax = cfg.Session.SubscribeRetryMax
	}
	if cfg.Session.ReconnectAttempts > 0 {
		cli.Session.ReconnectAttempts = cfg.Session.ReconnectAttempts
	}
	if cfg.Crypto.UploadRetryDelay > 0 {
		cli.Crypto.UploadRetryDelay = cfg.Crypto.UploadRetryDelay
	}
	if cfg.Crypto.AllowPlaintextFallback != nil {
		cli.AllowPlaintextFallback = *cfg.Crypto.AllowPlaintextFallback
	}

	ui := &repl{rl: rl, cli: cli, out: rl.Stdout()}
	cli.EventHandler = ui.handleEvent
	err = cli.Start(ctx)
	if errors.Is(err, cryptohelper.ErrUserCancelledSetup) {
		_, _ = fmt.Fprintln(ui.out, "Encryption setup cancelled, logged out")
		return
	}
	exerrors.PanicIfNotNil(err)
	rl.SetPrompt("> ")
	ui.run(ctx)
	cli.Stop()
}

type repl struct {
	rl   *readline.Instance
	cli  *hicli.HiClient
	out  io.Writer
	peer id.Username
}

func (r *repl) handleEvent(evt any) {
	switch typedEvt := evt.(type) {
	case *hicli.PassphraseRequested:
		go r.askPassphrase(typedEvt.PassphraseRequest)
	case *hicli.FeedUpdated:
		if len(typedEvt.Feed) == 0 {
			return
		}
		last := typedEvt.Feed[len(typedEvt.Feed)-1]
		if last.Sender != r.cli.Username && !last.IsTemporary {
			_, _ = fmt.Fprintf(r.out, "<%s> %s\n", last.Sender, last.Text)
		}
	case *hicli.SendComplete:
		if typedEvt.Error != nil {
			_, _ = fmt.Fprintf(r.out, "Failed to send message to %s: %v\n", typedEvt.Peer, typedEvt.Error)
		} else if !typedEvt.Encrypted {
			_, _ = fmt.Fprintf(r.out, "Message to %s was sent unencrypted\n", typedEvt.Peer)
		}
	case *hicli.ConnectionState:
		_, _ = fmt.Fprintf(r.out, "Connection %s -> %s (polling: %t)\n", typedEvt.Old, typedEvt.New, typedEvt.Polling)
	case *hicli.LoggedOut:
		_, _ = fmt.Fprintln(r.out, "Logged out")
	}
}

func (r *repl) askPassphrase(req *cryptohelper.PassphraseRequest) {
	var prompt string
	switch req.Kind {
	case cryptohelper.PassphraseRestore:
		prompt = "Key backup passphrase: "
	case cryptohelper.PassphraseIncorrectRetry:
		prompt = "Incorrect passphrase, try again: "
	case cryptohelper.PassphraseCreateNew:
		prompt = "New key backup passphrase: "
	}
	passphrase, err := r.rl.ReadPassword(prompt)
	if err != nil || len(passphrase) == 0 {
		req.Cancel()
	} else {
		req.Provide(string(passphrase))
	}
}

func (r *repl) printFeed(feed []*timeline.Message) {
	for _, msg := range timeline.Annotate(feed) {
		if msg.DateSeparator {
			_, _ = fmt.Fprintf(r.out, "--- %s ---\n", msg.CreatedAt.Local().Format("Monday, 2 January 2006"))
		}
		var flags string
		if msg.SendFailed {
			flags = " (failed)"
		} else if msg.IsTemporary {
			flags = " (sending)"
		} else if msg.Sender == r.cli.Username {
			flags = " (" + string(msg.State) + ")"
		}
		if msg.Consecutive {
			_, _ = fmt.Fprintf(r.out, "    %s%s\n", msg.Text, flags)
		} else {
			_, _ = fmt.Fprintf(r.out, "%s <%s> %s%s\n", msg.CreatedAt.Local().Format("15:04"), msg.Sender, msg.Text, flags)
		}
	}
}

func (r *repl) run(ctx context.Context) {
	for {
		line, err := r.rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return
		case "/open":
			r.cli.CloseConversation(r.peer)
			r.peer = id.Username(strings.TrimSpace(arg))
			r.rl.SetPrompt(fmt.Sprintf("%s> ", r.peer))
			feed, err := r.cli.OpenConversation(ctx, r.peer)
			if err != nil {
				_, _ = fmt.Fprintln(r.out, "Failed to open conversation:", err)
				continue
			}
			r.printFeed(feed)
		case "/list":
			for _, conv := range r.cli.Conversations() {
				var preview string
				if conv.LastMessage != nil {
					preview = conv.LastMessage.Text
				}
				_, _ = fmt.Fprintf(r.out, "%s (%d unread): %s\n", conv.Peer, conv.UnreadCount, preview)
			}
		case "/read":
			if err = r.cli.MarkRead(ctx, r.peer); err != nil {
				_, _ = fmt.Fprintln(r.out, "Failed to send read receipts:", err)
			}
		case "/fingerprint":
			r.fingerprint(strings.TrimSpace(arg))
		case "/regenerate":
			passphrase, err := r.rl.ReadPassword("New key backup passphrase: ")
			if err == nil {
				err = r.cli.RegenerateKeys(ctx, string(passphrase))
			}
			if err != nil {
				_, _ = fmt.Fprintln(r.out, "Failed to regenerate keys:", err)
			}
		case "/logout":
			if err = r.cli.Logout(ctx); err != nil {
				_, _ = fmt.Fprintln(r.out, "Error while logging out:", err)
			}
			return
		default:
			if strings.HasPrefix(cmd, "/") {
				_, _ = fmt.Fprintln(r.out, "Unknown command", cmd)
			} else if r.peer == "" {
				_, _ = fmt.Fprintln(r.out, "Open a conversation with /open <username> first")
			} else if _, err = r.cli.Send(ctx, r.peer, line); err != nil {
				_, _ = fmt.Fprintln(r.out, "Failed to send:", err)
			}
		}
	}
}

func (r *repl) fingerprint(qrPath string) {
	pair := r.cli.Crypto.Vault.KeyPair()
	if pair == nil {
		_, _ = fmt.Fprintln(r.out, "Encryption isn't initialized")
		return
	}
	fingerprint := keyvault.Fingerprint(pair.Public)
	_, _ = fmt.Fprintln(r.out, "Fingerprint:", fingerprint)
	if qrPath == "" {
		return
	}
	if err := qrcode.WriteFile(fingerprint, qrcode.Medium, qrSizePx, qrPath); err != nil {
		_, _ = fmt.Fprintln(r.out, "Failed to write QR code:", err)
	} else {
		_, _ = fmt.Fprintln(r.out, "Wrote QR code to", qrPath)
	}
}
