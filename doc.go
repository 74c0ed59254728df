/*
Package queuekeeper documents the Queuekeeper module.

This module is CLI-first and ships the queuekeeper command:

	go install github.com/nuetzliches/queuekeeper/cmd/queuekeeper@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package queuekeeper
