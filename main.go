package main

import "github.com/zonegate/zonegate/cmd"

func main() {
	cmd.Execute()
}
