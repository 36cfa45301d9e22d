package main

import "github.com/EthanZane/insightpioneer-backend/cmd"

func main() {
	cmd.Execute()
}
