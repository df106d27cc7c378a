package main

import (
	"os"

	"loomchat/engine/internal/app"
)

func main() {
	os.Exit(app.Run())
}
