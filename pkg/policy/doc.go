// Package policy gates model deployments with Open Policy Agent (OPA).
//
// Policies are Rego modules that produce a "deny" set. Each element is
// either a message string or an object with "message" and an optional
// "severity". Violations of severity error or critical block the deploy;
// info and warning violations are logged and returned as warnings.
//
// The evaluation input has the form:
//
//	{
//	  "operation": "deploy",
//	  "timestamp": "2026-01-02T15:04:05Z",
//	  "model": {
//	    "id": "...", "name": "resnet", "version": "2",
//	    "state": "ready", "metadata": {"artifact": "resnet.onnx"}
//	  }
//	}
//
// A policy that refuses unversioned models:
//
//	package modeld.policies.versioned
//
//	import rego.v1
//
//	deny contains violation if {
//		input.operation == "deploy"
//		input.model.version == ""
//		violation := {"message": "model must have a version", "severity": "error"}
//	}
//
// Engine implements lifecycle.Admission, so it can be passed directly to
// the coordinator. Policies are loaded from .rego or .json files with
// Loader and can be reloaded on change with Loader.Watch.
package policy
