// Command issue-token signs a JWT for local testing and the terminal exam
// client. In production tokens come from the school's identity provider.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/service"
)

func main() {
	var (
		studentID    int
		classID      int
		instructorID int
	)
	flag.IntVar(&studentID, "student", 0, "Student ID")
	flag.IntVar(&classID, "class", 0, "Class ID of the student (0 for none)")
	flag.IntVar(&instructorID, "instructor", 0, "Instructor ID")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	var token string
	switch {
	case studentID > 0 && instructorID > 0:
		fmt.Fprintln(os.Stderr, "Error: pass either -student or -instructor, not both")
		os.Exit(2)
	case studentID > 0:
		var class *int
		if classID > 0 {
			class = &classID
		}
		token, err = auth.GenerateStudentToken(studentID, class)
	case instructorID > 0:
		token, err = auth.GenerateInstructorToken(instructorID)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
