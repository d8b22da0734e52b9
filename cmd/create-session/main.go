package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label string) string {
		fmt.Print(label)
		s, _ := reader.ReadString('\n')
		return strings.TrimSpace(s)
	}

	fmt.Println("=== Create Exam Session ===")

	// Exam
	examID, err := uuid.Parse(prompt("Enter Exam ID: "))
	if err != nil {
		fmt.Println("Error: Exam ID must be a UUID")
		return
	}
	exam, err := examRepo.GetByID(ctx, examID)
	if err != nil {
		fmt.Println("Error: Exam not found")
		return
	}
	fmt.Printf("Exam: %s (%s)\n", exam.Title, exam.Duration())

	// Instructor
	instructorID, err := strconv.Atoi(prompt("Enter Instructor ID: "))
	if err != nil || instructorID <= 0 {
		fmt.Println("Error: Instructor ID must be a positive number")
		return
	}

	// Class (optional)
	var classID *int
	if s := prompt("Enter Class ID (empty for any class): "); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			fmt.Println("Error: Class ID must be a number")
			return
		}
		classID = &n
	}

	// Window
	startsAt := time.Now()
	if s := prompt("Starts at (RFC3339, empty for now): "); s != "" {
		startsAt, err = time.Parse(time.RFC3339, s)
		if err != nil {
			fmt.Println("Error: invalid start time")
			return
		}
	}
	window := 3 * time.Hour
	if s := prompt("Window length (default 3h): "); s != "" {
		window, err = time.ParseDuration(s)
		if err != nil || window <= 0 {
			fmt.Println("Error: invalid window length")
			return
		}
	}
	if window < exam.Duration() {
		fmt.Printf("Warning: window %s is shorter than the exam duration %s\n", window, exam.Duration())
	}

	// Capacity
	capacity := 0
	if s := prompt("Capacity (default 0 = unlimited): "); s != "" {
		capacity, err = strconv.Atoi(s)
		if err != nil || capacity < 0 {
			fmt.Println("Error: capacity must be zero or more")
			return
		}
	}

	reveal := strings.EqualFold(prompt("Reveal results immediately? [y/N]: "), "y")
	camera := strings.EqualFold(prompt("Require camera monitoring? [y/N]: "), "y")

	// Entry code
	fmt.Print("Enter Entry Code (empty for none): ")
	byteCode, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading entry code")
		return
	}
	fmt.Println() // Newline after hidden input
	code := strings.TrimSpace(string(byteCode))

	// ─── Logic ─────────────────────────────────────────────────────────

	var codeHash string
	if code != "" {
		if len(code) < 4 {
			fmt.Println("Error: Entry code must be at least 4 characters")
			return
		}
		h, err := bcrypt.GenerateFromPassword([]byte(code), cfg.BcryptCost)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash entry code")
		}
		codeHash = string(h)
	}

	session := &model.ExamSession{
		ExamID:                   examID,
		ClassID:                  classID,
		StartsAt:                 startsAt,
		EndsAt:                   startsAt.Add(window),
		Status:                   model.SessionStatusActive,
		EntryCodeHash:            codeHash,
		Capacity:                 capacity,
		CameraMonitoringRequired: camera,
		RevealResultsImmediately: reveal,
		CreatedBy:                instructorID,
	}

	if err := sessionRepo.Create(ctx, session); err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}

	fmt.Printf("\nSuccess! Session %s created, open %s to %s\n",
		session.ID, session.StartsAt.Format(time.RFC3339), session.EndsAt.Format(time.RFC3339))
}
