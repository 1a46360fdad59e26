package domain

import "testing"

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		tpl     Template
		wantErr bool
	}{
		{
			name: "valid minimal",
			tpl:  Template{ID: "small", BackendType: "fleet"},
		},
		{
			name: "missing backend type",
			tpl:  Template{ID: "small"},
			wantErr: true,
		},
		{
			name: "backend spec with both forms",
			tpl: Template{
				ID: "small", BackendType: "fleet",
				BackendSpec: &SpecSource{Inline: map[string]any{"a": 1}, File: "spec.json"},
			},
			wantErr: true,
		},
		{
			name: "launch spec with both forms",
			tpl: Template{
				ID: "small", BackendType: "fleet",
				LaunchSpec: &SpecSource{Inline: map[string]any{"a": 1}, File: "lc.json"},
			},
			wantErr: true,
		},
		{
			name: "backend inline plus launch file is allowed",
			tpl: Template{
				ID: "small", BackendType: "fleet",
				BackendSpec: &SpecSource{Inline: map[string]any{"a": 1}},
				LaunchSpec:  &SpecSource{File: "lc.json"},
			},
		},
		{
			name:    "unknown merge mode",
			tpl:     Template{ID: "small", BackendType: "fleet", MergeMode: "overlay"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tpl.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseAttributes(t *testing.T) {
	tpl := Template{
		ID: "small", BackendType: "fleet",
		ImageID: "img-123", SizeClass: "t3.medium",
		Subnets:    []string{"sn-1"},
		Attributes: map[string]any{"ncpus": 2},
		Tags:       map[string]string{"team": "hpc"},
	}
	base := tpl.BaseAttributes()

	if base["imageId"] != "img-123" || base["sizeClass"] != "t3.medium" {
		t.Errorf("base attributes missing image/size: %v", base)
	}
	if base["ncpus"] != 2 {
		t.Errorf("custom attribute lost: %v", base)
	}
	tags, ok := base["tags"].(map[string]any)
	if !ok || tags["team"] != "hpc" {
		t.Errorf("tags not carried: %v", base["tags"])
	}
}
