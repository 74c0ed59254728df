package main

import (
	"os"

	"github.com/nuetzliches/queuekeeper/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
