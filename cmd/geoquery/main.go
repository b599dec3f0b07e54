// Command geoquery analyzes content against the scoring backend and serves
// the fetch-content proxy.
package main

func main() {
	Execute()
}
