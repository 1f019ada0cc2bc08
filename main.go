package main

import "github.com/worklog/event-relay/cmd"

func main() {
	cmd.Execute()
}
