//go:build native

// Package native binds llama.cpp through cgo and exposes it as an
// engine.Backend. It wraps a thin C layer (binding.h/c) over the llama.h API.
//
// Build with: go build -tags native
// Requires: pre-built libllama.a and libggml*.a from a llama.cpp checkout next
// to the module root.
package native

/*
#cgo CFLAGS: -I${SRCDIR}/../../llama.cpp/include -I${SRCDIR}/../../llama.cpp/ggml/include -O2
#cgo LDFLAGS: -L${SRCDIR}/../../llama.cpp/build/src -L${SRCDIR}/../../llama.cpp/build/ggml/src -lllama -lggml -lggml-cpu -lggml-base -lm -lstdc++ -lpthread -lgomp
#include "binding.h"
#include <stdlib.h>
*/
import "C"
import (
	"runtime"
	"sync"
	"unsafe"

	"SimpleLLM/internal/logging"
)

var (
	initOnce sync.Once
	logOnce  sync.Once
)

// BackendInit initializes the llama.cpp backend. It is safe to call more than
// once; only the first call has an effect.
func BackendInit() {
	initOnce.Do(C.oe_backend_init)

	// C-level logs follow the Go log destination when it is a file and are
	// dropped otherwise so they never reach a terminal UI.
	logOnce.Do(func() {
		if p := logging.GetLogFilePath(); logging.IsFileLogging() && p != "" {
			LogToFile(p)
		} else {
			LogDisable()
		}
	})
}

// BackendFree releases backend resources. Call once at shutdown.
func BackendFree() {
	C.oe_backend_free()
}

// LogToFile appends llama.cpp log output to path.
func LogToFile(path string) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	C.oe_log_to_file(cpath)
}

// LogDisable suppresses llama.cpp log output.
func LogDisable() {
	C.oe_log_disable()
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

func cModelLoad(path string, nGPULayers int32, useMmap bool) C.oe_model_t {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return C.oe_model_load(cpath, C.int32_t(nGPULayers), C.bool(useMmap))
}

func cModelFree(m C.oe_model_t) {
	C.oe_model_free(m)
}

func cModelNEmbd(m C.oe_model_t) int32 {
	return int32(C.oe_model_n_embd(m))
}

func cVocabNTokens(m C.oe_model_t) int32 {
	return int32(C.oe_vocab_n_tokens(m))
}

// ---------------------------------------------------------------------------
// Tokenization
// ---------------------------------------------------------------------------

// cTokenize tokenizes text into tokens. It returns the number of tokens, or
// the negated required size when tokens is too small.
func cTokenize(m C.oe_model_t, text string, tokens []int32, addSpecial bool) int32 {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	var tokPtr *C.int32_t
	if len(tokens) > 0 {
		tokPtr = (*C.int32_t)(unsafe.Pointer(&tokens[0]))
	}
	n := int32(C.oe_tokenize(m, ctext, C.int32_t(len(text)),
		tokPtr, C.int32_t(len(tokens)), C.bool(addSpecial), C.bool(true)))
	runtime.KeepAlive(tokens)
	return n
}

func cTokenToPiece(m C.oe_model_t, token int32) string {
	buf := make([]byte, 128)
	n := C.oe_token_to_piece(m, C.int32_t(token),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)))
	if n < 0 {
		buf = make([]byte, -n)
		n = C.oe_token_to_piece(m, C.int32_t(token),
			(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)))
	}
	if n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func cDetokenize(m C.oe_model_t, tokens []int32) string {
	if len(tokens) == 0 {
		return ""
	}
	buf := make([]byte, len(tokens)*8+16)
	n := C.oe_detokenize(m, (*C.int32_t)(unsafe.Pointer(&tokens[0])), C.int32_t(len(tokens)),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)))
	if n < 0 {
		buf = make([]byte, -n)
		n = C.oe_detokenize(m, (*C.int32_t)(unsafe.Pointer(&tokens[0])), C.int32_t(len(tokens)),
			(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)))
	}
	runtime.KeepAlive(tokens)
	if n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func cTokenIsEOG(m C.oe_model_t, token int32) bool {
	return bool(C.oe_token_is_eog(m, C.int32_t(token)))
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

func cContextNew(m C.oe_model_t, nCtx, nBatch, nUbatch uint32, nThreads int32, embeddings bool) C.oe_context_t {
	return C.oe_context_new(m, C.uint32_t(nCtx), C.uint32_t(nBatch), C.uint32_t(nUbatch),
		C.int32_t(nThreads), C.bool(embeddings))
}

func cContextFree(ctx C.oe_context_t) {
	C.oe_context_free(ctx)
}

func cNCtx(ctx C.oe_context_t) uint32 {
	return uint32(C.oe_n_ctx(ctx))
}

// cDecode evaluates tokens at explicit positions on sequence 0. logits holds
// one flag per token.
func cDecode(ctx C.oe_context_t, tokens, pos []int32, logits []int8) int32 {
	if len(tokens) == 0 {
		return 0
	}
	rc := int32(C.oe_decode(ctx,
		(*C.int32_t)(unsafe.Pointer(&tokens[0])),
		(*C.int32_t)(unsafe.Pointer(&pos[0])),
		(*C.int8_t)(unsafe.Pointer(&logits[0])),
		C.int32_t(len(tokens))))
	runtime.KeepAlive(tokens)
	runtime.KeepAlive(pos)
	runtime.KeepAlive(logits)
	return rc
}

// cGetLogits returns a Go-owned copy of the last output row.
func cGetLogits(ctx C.oe_context_t, nVocab int32) []float32 {
	ptr := C.oe_get_logits(ctx)
	if ptr == nil || nVocab <= 0 {
		return nil
	}
	out := make([]float32, nVocab)
	copy(out, unsafe.Slice((*float32)(unsafe.Pointer(ptr)), nVocab))
	return out
}

// cGetEmbeddingsSeq returns a Go-owned copy of the pooled embedding for seq.
func cGetEmbeddingsSeq(ctx C.oe_context_t, seq, nEmbd int32) []float32 {
	ptr := C.oe_get_embeddings_seq(ctx, C.int32_t(seq))
	if ptr == nil || nEmbd <= 0 {
		return nil
	}
	out := make([]float32, nEmbd)
	copy(out, unsafe.Slice((*float32)(unsafe.Pointer(ptr)), nEmbd))
	return out
}

func cMemoryClear(ctx C.oe_context_t) {
	C.oe_memory_clear(ctx)
}
