package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/ramiqadoumi/tenantflow/services/tenantd/cli"
)

func main() {
	cli.Execute()
}
