package policy

// ProtectedPaths are directories no deployment may manage. Removing any of
// them on uninstall would take the host down with the application.
var ProtectedPaths = []string{
	"/", "/bin", "/boot", "/dev", "/etc", "/etc/init", "/etc/nginx",
	"/etc/systemd", "/etc/systemd/system", "/home", "/lib", "/lib64",
	"/opt", "/proc", "/root", "/run", "/sbin", "/srv", "/sys", "/tmp",
	"/usr", "/usr/bin", "/usr/lib", "/usr/local", "/var", "/var/lib",
	"/var/log", "/var/repo", "/var/venv", "/var/www",
}

// SystemServices may never be the supervised service: uninstall stops it.
var SystemServices = []string{
	"nginx", "ssh", "sshd", "cron", "crond", "rsyslog", "systemd-journald",
	"networking", "network", "dbus", "udev",
}

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		identityPolicy(),
		pathsPolicy(),
		overlapPolicy(),
		servicePolicy(),
		placeholderPolicy(),
	}
}

func identityPolicy() Policy {
	return Policy{
		Name:        "identity",
		Description: "The service account and its group must not be root",
		Severity:    SeverityCritical,
		Enabled:     true,
		Rego: `package djangoprov.identity

import rego.v1

deny contains violation if {
	input.deployment.user == "root"
	violation := {
		"message": "deployment user must not be root",
		"resource": "identity",
	}
}

deny contains violation if {
	input.deployment.group == "root"
	violation := {
		"message": "deployment group must not be root",
		"resource": "identity",
	}
}
`,
	}
}

func pathsPolicy() Policy {
	return Policy{
		Name:        "paths",
		Description: "Managed paths are absolute and never system directories",
		Severity:    SeverityCritical,
		Enabled:     true,
		Rego: `package djangoprov.paths

import rego.v1

clean(p) := p if p == "/"

clean(p) := trim_suffix(p, "/") if p != "/"

deny contains violation if {
	some p in input.deployment.managed_paths
	not startswith(p, "/")
	violation := {
		"message": sprintf("%s is not an absolute path", [p]),
		"resource": p,
	}
}

deny contains violation if {
	some p in input.deployment.managed_paths
	clean(p) in data.djangoprov.protected_paths
	violation := {
		"message": sprintf("%s is a protected system directory", [p]),
		"resource": p,
	}
}
`,
	}
}

func overlapPolicy() Policy {
	return Policy{
		Name:        "overlap",
		Description: "Managed paths are distinct and not nested inside each other",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package djangoprov.overlap

import rego.v1

clean(p) := p if p == "/"

clean(p) := trim_suffix(p, "/") if p != "/"

deny contains violation if {
	some i, a in input.deployment.managed_paths
	some j, b in input.deployment.managed_paths
	i < j
	clean(a) == clean(b)
	violation := {
		"message": sprintf("%s is managed twice", [a]),
		"resource": a,
	}
}

deny contains violation if {
	some i, a in input.deployment.managed_paths
	some j, b in input.deployment.managed_paths
	i != j
	startswith(clean(b), concat("", [clean(a), "/"]))
	violation := {
		"message": sprintf("%s is nested inside %s", [b, a]),
		"resource": b,
	}
}
`,
	}
}

func servicePolicy() Policy {
	return Policy{
		Name:        "service",
		Description: "The supervised service must not shadow a system service",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package djangoprov.service

import rego.v1

deny contains violation if {
	input.deployment.service_name in data.djangoprov.system_services
	violation := {
		"message": sprintf("service_name %s is a system service", [input.deployment.service_name]),
		"resource": "service",
	}
}
`,
	}
}

func placeholderPolicy() Policy {
	return Policy{
		Name:        "placeholder",
		Description: "Warns when the site still answers for the example server name",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package djangoprov.placeholder

import rego.v1

deny contains violation if {
	input.plan == "install"
	input.deployment.server_name in {"example.com", "www.example.com", "localhost"}
	violation := {
		"message": sprintf("server_name is the placeholder %s", [input.deployment.server_name]),
		"resource": "site",
	}
}
`,
	}
}
