// Package policy gates install and uninstall runs with Open Policy Agent.
//
// Before a plan touches the host, the deployment it is about to act on is
// evaluated against a set of Rego policies. Each policy contributes to a
// `deny` set; a violation of severity error or critical refuses the run with
// a guard violation, lower severities are logged and the run continues.
//
// # Input
//
// Policies see one document:
//
//	input.plan          "install" or "uninstall"
//	input.deployment    the deployment facts: user, group, document_root,
//	                    repo_dir, virtualenv_dir, log_dir, managed_paths,
//	                    server_name, proxy_url, service_name, packages,
//	                    package_manager, service_manager, ...
//	input.context       operation and evaluation timestamp
//
// and `data.djangoprov.protected_paths`, the directories no deployment may
// claim as its own.
//
// # Built-in Policies
//
//  1. identity - the service account is never root
//  2. paths - managed paths are absolute and never system directories
//  3. overlap - managed paths are distinct and never nested
//  4. service - the supervised service is not a system service
//  5. placeholder - warns when server_name is still example.com
//
// # Custom Policies
//
// Extra policies are loaded from .rego files (or JSON policy definitions)
// in the configured policy directory:
//
//	package site.checks
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.plan == "uninstall"
//	    input.deployment.server_name == "www.example.org"
//	    violation := {
//	        "message": "production site cannot be uninstalled",
//	        "severity": "critical",
//	    }
//	}
//
// Policies are compiled once and evaluated through OPA's PreparedEvalQuery.
package policy
