package postgresql

// migrations returns the ordered schema migrations for the approval engine.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				document_type TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				stages JSONB NOT NULL,
				parallel_approval_allowed BOOLEAN NOT NULL DEFAULT FALSE,
				client_approval_required BOOLEAN NOT NULL DEFAULT FALSE,
				carry_forward_approved_stages BOOLEAN NOT NULL DEFAULT FALSE,
				default_duration_days INTEGER NOT NULL,
				escalation_reminder_threshold INTEGER NOT NULL,
				escalation_role TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deactivated_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_active_per_type
				ON workflow_templates (document_type) WHERE active;

			CREATE TABLE IF NOT EXISTS approval_instances (
				id TEXT PRIMARY KEY,
				template_id TEXT NOT NULL REFERENCES workflow_templates(id),
				document_id TEXT NOT NULL,
				document_type TEXT NOT NULL,
				version_number INTEGER NOT NULL,
				status TEXT NOT NULL,
				current_stage TEXT NOT NULL DEFAULT '',
				current_tier INTEGER NOT NULL DEFAULT 0,
				requires_revision BOOLEAN NOT NULL DEFAULT FALSE,
				metadata JSONB,
				revision BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_instances_document
				ON approval_instances (document_id);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_per_document
				ON approval_instances (document_id)
				WHERE status NOT IN ('final_approved', 'rejected', 'superseded', 'cancelled');

			CREATE TABLE IF NOT EXISTS stage_approvals (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL REFERENCES approval_instances(id) ON DELETE CASCADE,
				stage_name TEXT NOT NULL,
				approver_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				required BOOLEAN NOT NULL,
				role TEXT NOT NULL DEFAULT '',
				decision TEXT NOT NULL DEFAULT 'pending',
				decided_at TIMESTAMP WITH TIME ZONE,
				comments TEXT NOT NULL DEFAULT '',
				due_date TIMESTAMP WITH TIME ZONE NOT NULL,
				reminder_count INTEGER NOT NULL DEFAULT 0,
				escalated BOOLEAN NOT NULL DEFAULT FALSE,
				escalated_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_stage_approvals_instance
				ON stage_approvals (instance_id);

			CREATE INDEX IF NOT EXISTS idx_stage_approvals_overdue
				ON stage_approvals (due_date) WHERE decision = 'pending';

			CREATE TABLE IF NOT EXISTS version_links (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				superseded_instance_id TEXT NOT NULL REFERENCES approval_instances(id),
				successor_instance_id TEXT NOT NULL REFERENCES approval_instances(id),
				kind TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_version_links_document
				ON version_links (document_id);
		`,
	}
}
