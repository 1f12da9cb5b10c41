package main

import (
	"github.com/patelg123/cumulus/internal/cli"
)

func main() {
	cli.Execute()
}
