//go:build llama

package agent

// Link against libllama next to the binary; rpath $ORIGIN finds it at run
// time and -L finds it in ./bin at link time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
