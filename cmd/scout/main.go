package main

import (
	"os"

	"horse.fit/scout/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
