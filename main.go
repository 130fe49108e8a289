package main

import "github.com/LycanLD/SpamuBot/cmd"

func main() {
	cmd.Execute()
}
