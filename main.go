package main

import "github.com/pysched/pysched/internal/cmd"

func main() {
	cmd.Execute()
}
