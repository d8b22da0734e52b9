// Command exam-client takes an exam from the terminal. It drives the same
// sync loop a browser client runs: a local countdown, a server refresh every
// two seconds and an automatic submit when the server reports time is up.
//
// Commands on stdin:
//
//	a <question-id> <json>   answer a question
//	s                        submit
//	off | on                 simulate losing and regaining the network
//	q                        leave without submitting
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/syncloop"
	"golang.org/x/term"
)

type camera struct {
	client    *syncloop.Client
	attemptID uuid.UUID
}

func (c *camera) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.client.SetCamera(ctx, c.attemptID, false); err != nil {
		fmt.Fprintf(os.Stderr, "\ncamera release not acknowledged: %v\n", err)
		return
	}
	fmt.Println("\nCamera released")
}

func main() {
	var (
		apiURL    string
		token     string
		session   string
		exam      string
		code      string
		useCamera bool
		logLevel  string
	)
	flag.StringVar(&apiURL, "api", "http://localhost:8080/api/v1", "API root URL")
	flag.StringVar(&token, "token", os.Getenv("EXSTEM_TOKEN"), "Student JWT (default $EXSTEM_TOKEN)")
	flag.StringVar(&session, "session", "", "Session ID")
	flag.StringVar(&exam, "exam", "", "Exam ID")
	flag.StringVar(&code, "code", "", "Entry code (prompted when stdin is a terminal)")
	flag.BoolVar(&useCamera, "camera", false, "Report camera monitoring as enabled")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	log := logger.New(os.Stderr, logLevel, "pretty")

	sessionID, err := uuid.Parse(session)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: -session must be a UUID")
		os.Exit(2)
	}
	examID, err := uuid.Parse(exam)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: -exam must be a UUID")
		os.Exit(2)
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: -token or EXSTEM_TOKEN is required")
		os.Exit(2)
	}

	interactive := term.IsTerminal(int(syscall.Stdin))
	if code == "" && interactive {
		fmt.Print("Entry code (empty for none): ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading entry code")
			os.Exit(1)
		}
		code = strings.TrimSpace(string(b))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := syncloop.NewClient(apiURL, token, 10*time.Second)

	info, err := client.Start(ctx, sessionID, examID, code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start attempt: %v\n", err)
		os.Exit(1)
	}
	attemptID := info.Attempt.ID
	if info.Closed {
		fmt.Printf("Attempt %s already ended (%s)\n", attemptID, info.Attempt.Status)
		showResult(ctx, client, attemptID)
		return
	}
	if info.Resumed {
		fmt.Printf("Resumed attempt %s at question %d\n", attemptID, info.Attempt.CurrentQuestionIndex+1)
	} else {
		fmt.Printf("Started attempt %s\n", attemptID)
	}

	var resource syncloop.Resource
	if useCamera {
		if err := client.SetCamera(ctx, attemptID, true); err != nil {
			log.Warn().Err(err).Msg("Camera not acknowledged")
		}
		resource = &camera{client: client, attemptID: attemptID}
	}

	rewrite := term.IsTerminal(int(os.Stdout.Fd()))
	closed := make(chan *syncloop.Outcome, 1)

	hooks := syncloop.Hooks{
		OnDisplay: func(d syncloop.Display) { render(d, rewrite) },
		OnClosed:  func(o *syncloop.Outcome) { closed <- o },
		OnError: func(err error) {
			log.Debug().Err(err).Msg("Request failed")
		},
	}
	loop := syncloop.New(client, attemptID, info.Clock, resource, syncloop.DefaultConfig, hooks, log)

	go readCommands(loop)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
		os.Exit(1)
	}

	select {
	case out := <-closed:
		fmt.Println()
		switch {
		case out.AlreadyClosed:
			fmt.Println("Attempt was already closed")
		case out.Attempt != nil:
			fmt.Printf("Attempt closed: %s\n", out.Attempt.Status)
		}
		if out.Result != nil {
			printResult(out.Result.PointsEarned, out.Result.TotalPoints, out.Result.Percentage, out.Result.Passed)
			return
		}
		showResult(context.Background(), client, attemptID)
	default:
		fmt.Println("\nLeft the exam. The timer keeps running on the server.")
	}
}

func readCommands(loop *syncloop.Loop) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.SplitN(strings.TrimSpace(sc.Text()), " ", 3)
		switch fields[0] {
		case "a":
			if len(fields) != 3 {
				fmt.Println("usage: a <question-id> <json>")
				continue
			}
			qid, err := uuid.Parse(fields[1])
			if err != nil || !json.Valid([]byte(fields[2])) {
				fmt.Println("usage: a <question-id> <json>")
				continue
			}
			loop.Answer(qid, json.RawMessage(fields[2]))
		case "s":
			loop.Submit()
		case "off":
			loop.SetOnline(false)
		case "on":
			loop.SetOnline(true)
		case "q":
			loop.Stop()
			return
		case "":
		default:
			fmt.Println("commands: a <question-id> <json> | s | off | on | q")
		}
	}
}

func render(d syncloop.Display, rewrite bool) {
	m := int(d.Remaining / time.Minute)
	s := int(d.Remaining % time.Minute / time.Second)

	status := ""
	switch {
	case d.Submitting:
		status = " submitting..."
	case !d.Online:
		status = " offline"
	}

	line := fmt.Sprintf("%02d:%02d [%s]%s", m, s, d.Tag, status)
	if rewrite {
		fmt.Printf("\r\033[K%s", line)
		return
	}
	fmt.Println(line)
}

func showResult(ctx context.Context, client *syncloop.Client, attemptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := client.Result(ctx, attemptID)
	var apiErr *syncloop.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Code == "RESULT_DEFERRED":
		fmt.Println("Results will be released by your instructor")
	case errors.As(err, &apiErr) && apiErr.Code == "RESULT_PENDING":
		fmt.Println("Your result is being calculated, check back shortly")
	case err != nil:
		fmt.Fprintf(os.Stderr, "Cannot fetch result: %v\n", err)
	case res != nil:
		printResult(res.PointsEarned, res.TotalPoints, res.Percentage, res.Passed)
	}
}

func printResult(earned, total, pct float64, passed bool) {
	verdict := "not passed"
	if passed {
		verdict = "passed"
	}
	fmt.Printf("Score: %.2f / %.2f (%.1f%%), %s\n", earned, total, pct, verdict)
}
