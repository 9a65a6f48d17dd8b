// esiwatch - EVE Online ESI structure lookups and per-character polling.
package main

func main() {
	Execute()
}
