// Command bumpclient runs one exchange attempt against a server from the
// terminal, replaying scripted motion in place of a real sensor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/bumpxchange/exchange-server/internal/client"
	"github.com/bumpxchange/exchange-server/internal/config"
	"github.com/bumpxchange/exchange-server/internal/model"
)

func main() {
	var (
		serverURL = flag.StringP("server", "s", "http://localhost:8080", "exchange server base URL")
		mode      = flag.StringP("mode", "m", "bump", "bump to wait for a bump or scan, scan to pair with a shown QR code")
		category  = flag.StringP("category", "c", "All", "sharing category: All, Personal or Work")
		payload   = flag.StringP("payload", "p", "", "QR payload or token to scan (scan mode)")
		sessionID = flag.String("session", "", "session id (random when empty)")
		profileID = flag.String("profile", "", "profile id released to the peer")
		samples   = flag.String("samples", "0", "comma separated motion offsets in ms, each optionally mag:X for a magnitude")
		authDelay = flag.Duration("auth-delay", 0, "simulate an auth step of this length before the scan binds (scan mode)")
		timeout   = flag.Duration("timeout", config.ClientInitialTimeout, "initial wait for a peer")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	sharing, err := model.ParseSharingCategory(*category)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid category")
	}

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
	}

	opts := client.Options{
		InitialTimeout: *timeout,
		ProfileID:      *profileID,
		NewSessionID:   func() string { return id },
		OnStateChange: func(s client.State) {
			log.Info().Str("state", string(s)).Msg("state changed")
		},
		OnSession: func(s client.SessionInfo) {
			log.Info().Str("sessionId", s.SessionID).Str("qrPayload", s.QRPayload).Time("expiresAt", s.ExpiresAt).Msg("session ready")
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := client.NewHTTPClient(*serverURL, nil)

	var res *client.Result
	switch *mode {
	case "bump":
		scripted, err := parseSamples(*samples, time.Now())
		if err != nil {
			log.Fatal().Err(err).Msg("invalid samples")
		}
		source := &client.ScriptedSource{Samples: scripted, Realtime: true}
		res, err = client.NewOrchestrator(httpClient, source, opts).StartExchange(ctx, sharing)
		if err != nil {
			log.Fatal().Err(err).Msg("exchange abandoned")
		}

	case "scan":
		if *payload == "" {
			log.Fatal().Msg("--payload is required in scan mode")
		}
		var auth client.Authenticator
		if *authDelay > 0 {
			auth = client.AuthenticatorFunc(func(ctx context.Context, sessionID string) error {
				log.Info().Dur("delay", *authDelay).Msg("authenticating")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(*authDelay):
					return nil
				}
			})
		}
		res, err = client.NewOrchestrator(httpClient, nil, opts).ScanExchange(ctx, sharing, *payload, auth)
		if err != nil {
			log.Fatal().Err(err).Msg("exchange abandoned")
		}

	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	printResult(res)
	if !res.State.Matched() {
		os.Exit(1)
	}
}

// parseSamples turns "0,600:mag:3.1" style offsets into motion samples.
func parseSamples(list string, base time.Time) ([]client.Sample, error) {
	var out []client.Sample
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		mag := 2.5
		offset := part
		if i := strings.Index(part, ":mag:"); i >= 0 {
			offset = part[:i]
			v, err := strconv.ParseFloat(part[i+len(":mag:"):], 64)
			if err != nil {
				return nil, fmt.Errorf("sample %q: %w", part, err)
			}
			mag = v
		}

		ms, err := strconv.Atoi(offset)
		if err != nil {
			return nil, fmt.Errorf("sample %q: %w", part, err)
		}
		out = append(out, client.Sample{
			HasMotion:    true,
			Magnitude:    mag,
			Acceleration: &client.Vector{Z: mag},
			Timestamp:    base.Add(time.Duration(ms) * time.Millisecond),
		})
	}
	return out, nil
}

func printResult(res *client.Result) {
	out := map[string]any{
		"sessionId": res.SessionID,
		"state":     res.State,
		"hits":      res.HitsSubmitted,
	}
	if res.Match != nil {
		out["match"] = res.Match
	}
	if res.Profile != nil {
		out["profile"] = res.Profile
	}
	if res.Reason != "" {
		out["reason"] = res.Reason
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	if res.ProfileErr != nil {
		out["profileError"] = res.ProfileErr.Error()
	}
	if res.MotionErr != nil {
		out["motionError"] = res.MotionErr.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
