package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/ggonzalez94/xbridge/internal/app"
)

func main() {
	// .env is optional; it usually carries XBRIDGE_PRIVATE_KEY and API keys.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(2)
	}
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
