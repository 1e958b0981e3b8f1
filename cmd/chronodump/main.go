package main

import "github.com/willibrandon/ChronoDump/cmd/chronodump/cmd"

func main() {
	cmd.Execute()
}
