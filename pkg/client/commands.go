package client

// legacy command names still used by suites
var commandAliases = map[string]string{
	"start_tx":             "start_transaction",
	"abort_tx":             "abort_transaction",
	"commit_tx":            "commit_transaction",
	"ping_tx":              "ping_transaction",
	"start_op":             "start_operation",
	"abort_op":             "abort_operation",
	"suspend_op":           "suspend_operation",
	"resume_op":            "resume_operation",
	"complete_op":          "complete_operation",
	"update_op_parameters": "update_operation_parameters",
}

// operation types that may be issued as commands of their own
var operationTypes = map[string]bool{
	"map":         true,
	"reduce":      true,
	"map_reduce":  true,
	"join_reduce": true,
	"sort":        true,
	"merge":       true,
	"erase":       true,
	"remote_copy": true,
	"vanilla":     true,
}

var paramAliases = map[string]string{
	"tx":                "transaction_id",
	"ping_ancestor_txs": "ping_ancestor_transactions",
}

// commands addressing an operation by id
var operationCommands = map[string]bool{
	"abort_operation":             true,
	"complete_operation":          true,
	"suspend_operation":           true,
	"resume_operation":            true,
	"update_operation_parameters": true,
	"get_operation":               true,
}

func canonicalCommand(command string) string {
	if name, ok := commandAliases[command]; ok {
		return name
	}
	if operationTypes[command] {
		return "start_operation"
	}
	return command
}

// rewrite maps legacy command and parameter names to current ones. The
// returned map is a shallow copy, so callers' maps are left untouched.
func rewrite(command string, params map[string]any) (string, map[string]any) {
	out := make(map[string]any, len(params)+3)
	for k, v := range params {
		if name, ok := paramAliases[k]; ok {
			k = name
		}
		out[k] = v
	}
	if operationTypes[command] {
		out["operation_type"] = command
	}
	command = canonicalCommand(command)
	if operationCommands[command] {
		if _, ok := out["rewrite_operation_path"]; !ok {
			out["rewrite_operation_path"] = false
		}
	}
	return command, out
}
