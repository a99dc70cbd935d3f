package scheduler

import (
	"fmt"
	"strings"

	"github.com/ctring/slog/common"
)

// Commands interprets a transaction's code over its assembled read set and
// pending write set. Execution must be deterministic: it sees only the txn.
type Commands interface {
	Execute(txn *common.Transaction)
}

var commandNumArgs = map[string]int{
	"GET":   1,
	"SET":   2,
	"DEL":   1,
	"COPY":  2,
	"ABORT": 1,
}

// KeyValueCommands runs the GET/SET/DEL/COPY/ABORT language. Commands
// touching keys outside the txn's declared read and write sets are ignored;
// the declared sets are the locking footprint.
type KeyValueCommands struct{}

func NewKeyValueCommands() *KeyValueCommands {
	return &KeyValueCommands{}
}

func (c *KeyValueCommands) Execute(txn *common.Transaction) {
	tokens := strings.Fields(txn.Code)
	pos := 0
	abort := func(format string, args ...interface{}) {
		txn.Status = common.Aborted
		txn.AbortReason = fmt.Sprintf(format, args...)
	}

	for pos < len(tokens) {
		cmd := tokens[pos]
		pos++

		numArgs, ok := commandNumArgs[cmd]
		if !ok {
			abort("Invalid command: %s", cmd)
			return
		}
		if pos+numArgs > len(tokens) {
			abort("Invalid number of arguments for command %s", cmd)
			return
		}
		args := tokens[pos : pos+numArgs]
		pos += numArgs

		switch cmd {
		case "SET":
			if _, ok := txn.WriteSet[args[0]]; ok {
				txn.WriteSet[args[0]] = args[1]
			}
		case "DEL":
			if _, ok := txn.WriteSet[args[0]]; ok {
				txn.DeleteSet = append(txn.DeleteSet, args[0])
			}
		case "COPY":
			src, dst := args[0], args[1]
			srcVal, inRead := txn.ReadSet[src]
			if _, inWrite := txn.WriteSet[dst]; inRead && inWrite {
				txn.WriteSet[dst] = srcVal
			}
		case "ABORT":
			abort("User abort (key: %s)", args[0])
			return
		}
	}

	txn.Status = common.Committed
}

// NoopCommands commits without touching the write set. Used to measure the
// pipeline without execution cost.
type NoopCommands struct{}

func NewNoopCommands() *NoopCommands {
	return &NoopCommands{}
}

func (c *NoopCommands) Execute(txn *common.Transaction) {
	txn.Status = common.Committed
}
