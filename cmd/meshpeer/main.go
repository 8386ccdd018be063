/*
Package main is a headless meeting participant.

meshpeer creates or joins a meeting over the HTTP API, opens the signaling session and
negotiates a receive-only media connection with every other participant. It is meant for
exercising a deployment end to end without a browser.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"meetmesh/internal/app/user"
	"meetmesh/internal/mesh"
	"meetmesh/internal/pkg/logx"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "signaling server origin")
	code := flag.String("code", "", "meeting code; empty with -create lets the server choose")
	create := flag.Bool("create", false, "create the meeting instead of joining it")
	name := flag.String("name", "", "display name")
	identity := flag.String("identity", "", "identity to reuse; a new one is issued when empty")
	stun := flag.String("stun", "", "comma separated STUN/TURN urls, replacing the defaults")
	prefer := flag.String("prefer", "", "comma separated codec preference, e.g. video/VP8,audio/opus")
	noVAD := flag.Bool("no-vad", false, "strip comfort-noise codecs from audio sections")
	dev := flag.Bool("dev", true, "human readable logs")
	flag.Parse()

	logx.InitGlobalLogger(*dev)
	logger := logx.Component("meshpeer")

	if !*create && *code == "" {
		logger.Fatal().Msg("-code is required unless -create is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := mesh.NewAPIClient(*server, nil)

	var (
		joined mesh.JoinResponse
		err    error
	)
	if *create {
		joined, err = api.Create(ctx, *code, *identity, *name)
	} else {
		joined, err = api.Join(ctx, *code, *identity, *name)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to enter meeting")
	}
	logger.Info().
		Str("meeting_code", joined.Meeting.Code).
		Str("identity", joined.UserID).
		Bool("new_participant", joined.IsNewParticipant).
		Int("participants", len(joined.Meeting.Participants)).
		Msg("Entered meeting")

	opts := mesh.DefaultOptions()
	if *stun != "" {
		opts.ICEServers = []webrtc.ICEServer{{URLs: splitList(*stun)}}
	}
	opts.CodecPreferences = splitList(*prefer)
	opts.VoiceActivityDetection = !*noVAD

	factory, err := mesh.NewPionFactory(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare media engine")
	}

	observer := &logObserver{}
	session, err := mesh.Dial(ctx, mesh.DialConfig{
		BaseURL:  api.BaseURL(),
		Token:    joined.Token,
		Self:     user.User{ID: joined.UserID, DisplayName: joined.DisplayName},
		Code:     joined.Meeting.Code,
		Media:    factory,
		Observer: observer,
		Options:  opts,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open signaling session")
	}
	observer.attach(session.Orchestrator())

	runErr := session.Run(ctx)
	switch {
	case errors.Is(runErr, context.Canceled):
		logger.Info().Msg("Leaving meeting")
	case errors.Is(runErr, mesh.ErrSuperseded):
		logger.Warn().Msg("This identity joined from another connection")
	case runErr != nil:
		logger.Error().Err(runErr).Msg("Signaling session ended")
	}

	leaveCtx := context.WithoutCancel(ctx)
	if err := api.Leave(leaveCtx, joined.Meeting.Code, joined.UserID); err != nil {
		logger.Warn().Err(err).Msg("Leave failed")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
