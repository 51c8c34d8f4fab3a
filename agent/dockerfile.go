package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/itskum47/deployplane/protocol"
)

const generatedDockerfile = "Dockerfile.generated"

type dockerTemplate struct {
	tmpl *template.Template
	port int
}

func newTemplate(name string, port int, body string) dockerTemplate {
	return dockerTemplate{tmpl: template.Must(template.New(name).Parse(body)), port: port}
}

const nodeServer = `FROM node:20-alpine
WORKDIR /app
COPY package*.json ./
RUN npm ci --omit=dev || npm install --omit=dev
COPY . .
ENV NODE_ENV=production PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["npm", "start"]
`

const javaMaven = `FROM maven:3.9-eclipse-temurin-21 AS build
WORKDIR /src
COPY . .
RUN mvn -q -DskipTests package

FROM eclipse-temurin:21-jre
WORKDIR /app
COPY --from=build /src/target/*.jar app.jar
ENV SERVER_PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["java", "-jar", "app.jar"]
`

var frameworkTemplates = map[string]dockerTemplate{
	"node/express": newTemplate("node/express", 3000, nodeServer),
	"node/next": newTemplate("node/next", 3000, `FROM node:20-alpine AS build
WORKDIR /app
COPY package*.json ./
RUN npm ci || npm install
COPY . .
RUN npm run build

FROM node:20-alpine
WORKDIR /app
ENV NODE_ENV=production PORT={{.Port}}
COPY --from=build /app ./
EXPOSE {{.Port}}
CMD ["npm", "start"]
`),
	"node/react": newTemplate("node/react", 80, `FROM node:20-alpine AS build
WORKDIR /app
COPY package*.json ./
RUN npm ci || npm install
COPY . .
RUN npm run build && if [ -d dist ] && [ ! -d build ]; then mv dist build; fi

FROM nginx:alpine
COPY --from=build /app/build /usr/share/nginx/html
RUN sed -i 's/listen       80;/listen       {{.Port}};/' /etc/nginx/conf.d/default.conf
EXPOSE {{.Port}}
CMD ["nginx", "-g", "daemon off;"]
`),
	"python/flask": newTemplate("python/flask", 5000, `FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi && pip install --no-cache-dir gunicorn
COPY . .
EXPOSE {{.Port}}
CMD ["gunicorn", "-b", "0.0.0.0:{{.Port}}", "app:app"]
`),
	"python/django": newTemplate("python/django", 8000, `FROM python:3.12-slim
ENV PYTHONUNBUFFERED=1
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
COPY . .
EXPOSE {{.Port}}
CMD ["python", "manage.py", "runserver", "0.0.0.0:{{.Port}}"]
`),
	"python/fastapi": newTemplate("python/fastapi", 8000, `FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi && pip install --no-cache-dir uvicorn
COPY . .
EXPOSE {{.Port}}
CMD ["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "{{.Port}}"]
`),
	"java/spring": newTemplate("java/spring", 8080, javaMaven),
	"ruby/rails": newTemplate("ruby/rails", 3000, `FROM ruby:3.3
WORKDIR /app
COPY Gemfile Gemfile.lock* ./
RUN bundle install
COPY . .
ENV RAILS_ENV=production RAILS_LOG_TO_STDOUT=1
EXPOSE {{.Port}}
CMD ["bin/rails", "server", "-b", "0.0.0.0", "-p", "{{.Port}}"]
`),
	"php/laravel": newTemplate("php/laravel", 8000, `FROM php:8.3-cli
RUN apt-get update && apt-get install -y --no-install-recommends unzip git && rm -rf /var/lib/apt/lists/*
COPY --from=composer:2 /usr/bin/composer /usr/bin/composer
WORKDIR /app
COPY . .
RUN composer install --no-dev --optimize-autoloader
EXPOSE {{.Port}}
CMD ["php", "artisan", "serve", "--host=0.0.0.0", "--port={{.Port}}"]
`),
}

var languageTemplates = map[string]dockerTemplate{
	"node": newTemplate("node", 3000, nodeServer),
	"python": newTemplate("python", 8000, `FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
COPY . .
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["sh", "-c", "if [ -f main.py ]; then exec python main.py; else exec python app.py; fi"]
`),
	"go": newTemplate("go", 8080, `FROM golang:1.24-alpine AS build
WORKDIR /src
COPY . .
RUN go build -o /out/app .

FROM alpine:3.20
COPY --from=build /out/app /usr/local/bin/app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["app"]
`),
	"java": newTemplate("java", 8080, javaMaven),
	"ruby": newTemplate("ruby", 4567, `FROM ruby:3.3-slim
WORKDIR /app
COPY Gemfile Gemfile.lock* ./
RUN bundle install
COPY . .
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["ruby", "app.rb"]
`),
	"php": newTemplate("php", 80, `FROM php:8.3-apache
COPY . /var/www/html/
RUN sed -i 's/Listen 80/Listen {{.Port}}/' /etc/apache2/ports.conf
EXPOSE {{.Port}}
`),
	"rust": newTemplate("rust", 8080, `FROM rust:1-slim AS build
WORKDIR /src
COPY . .
RUN cargo build --release && cp "$(find target/release -maxdepth 1 -type f -perm -u+x | head -n 1)" /app-bin

FROM debian:bookworm-slim
COPY --from=build /app-bin /usr/local/bin/app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["app"]
`),
}

var genericTemplate = newTemplate("generic", 8080, `FROM alpine:3.20
WORKDIR /app
COPY . .
EXPOSE {{.Port}}
CMD ["sh", "-c", "if [ -x ./start.sh ]; then exec ./start.sh; else exec tail -f /dev/null; fi"]
`)

var languageAliases = map[string]string{
	"nodejs":     "node",
	"javascript": "node",
	"typescript": "node",
	"js":         "node",
	"ts":         "node",
	"py":         "python",
	"golang":     "go",
	"kotlin":     "java",
}

var frameworkAliases = map[string]string{
	"nextjs":      "next",
	"next.js":     "next",
	"reactjs":     "react",
	"expressjs":   "express",
	"spring-boot": "spring",
	"springboot":  "spring",
	"ror":         "rails",
}

func normalize(v string, aliases map[string]string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if a, ok := aliases[v]; ok {
		return a
	}
	return v
}

// selectTemplate picks framework, then language, then the generic template.
// The returned key names the choice for logs.
func selectTemplate(language, framework string) (dockerTemplate, string) {
	language = normalize(language, languageAliases)
	framework = normalize(framework, frameworkAliases)
	if language != "" && framework != "" {
		key := language + "/" + framework
		if t, ok := frameworkTemplates[key]; ok {
			return t, key
		}
	}
	if t, ok := languageTemplates[language]; ok {
		return t, language
	}
	return genericTemplate, "generic"
}

func renderDockerfile(t dockerTemplate, port int) (string, error) {
	if port <= 0 {
		port = t.port
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, struct{ Port int }{port}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileContains(path, needle string) bool {
	b, err := os.ReadFile(path)
	return err == nil && bytes.Contains(bytes.ToLower(b), []byte(needle))
}

// detectStack guesses language and framework from marker files in dir.
func detectStack(dir string) (language, framework string) {
	at := func(name string) string { return filepath.Join(dir, name) }
	switch {
	case exists(at("package.json")):
		pkg := at("package.json")
		switch {
		case fileContains(pkg, `"next"`):
			return "node", "next"
		case fileContains(pkg, `"react-scripts"`), fileContains(pkg, `"vite"`) && fileContains(pkg, `"react"`):
			return "node", "react"
		case fileContains(pkg, `"express"`):
			return "node", "express"
		}
		return "node", ""
	case exists(at("manage.py")):
		return "python", "django"
	case exists(at("requirements.txt")), exists(at("pyproject.toml")):
		for _, f := range []string{"requirements.txt", "pyproject.toml"} {
			switch {
			case fileContains(at(f), "fastapi"):
				return "python", "fastapi"
			case fileContains(at(f), "flask"):
				return "python", "flask"
			case fileContains(at(f), "django"):
				return "python", "django"
			}
		}
		return "python", ""
	case exists(at("go.mod")):
		return "go", ""
	case exists(at("pom.xml")), exists(at("build.gradle")), exists(at("build.gradle.kts")):
		if fileContains(at("pom.xml"), "spring-boot") || fileContains(at("build.gradle"), "spring-boot") || fileContains(at("build.gradle.kts"), "spring-boot") {
			return "java", "spring"
		}
		return "java", ""
	case exists(at("Gemfile")):
		if exists(at("config/application.rb")) || fileContains(at("Gemfile"), "rails") {
			return "ruby", "rails"
		}
		return "ruby", ""
	case exists(at("composer.json")):
		if exists(at("artisan")) {
			return "php", "laravel"
		}
		return "php", ""
	case exists(at("Cargo.toml")):
		return "rust", ""
	}
	return "", ""
}

// resolveDockerfile returns the build file to use: the configured path, a
// Dockerfile in the source tree, or a synthesized one. port is the port the
// synthesized image listens on, zero when the file was not synthesized.
func resolveDockerfile(c *protocol.ContainerSettings, srcDir string, jl *jobLog) (path string, port int, err error) {
	if c.Dockerfile != "" {
		path = c.Dockerfile
		if !filepath.IsAbs(path) {
			path = filepath.Join(srcDir, path)
		}
		if !exists(path) {
			return "", 0, fmt.Errorf("dockerfile %s not found", path)
		}
		jl.Infof("Using configured Dockerfile %s", path)
		return path, 0, nil
	}
	if path = filepath.Join(srcDir, "Dockerfile"); exists(path) {
		jl.Infof("Using Dockerfile from source tree")
		return path, 0, nil
	}

	language, framework := c.Language, c.Framework
	if language == "" {
		var detected string
		language, detected = detectStack(srcDir)
		framework = firstNonEmpty(framework, detected)
	}
	t, key := selectTemplate(language, framework)
	body, err := renderDockerfile(t, c.ContainerPort)
	if err != nil {
		return "", 0, fmt.Errorf("render dockerfile: %w", err)
	}
	path = filepath.Join(srcDir, generatedDockerfile)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", 0, fmt.Errorf("write dockerfile: %w", err)
	}
	port = c.ContainerPort
	if port <= 0 {
		port = t.port
	}
	jl.Infof("No Dockerfile found, generated one from the %s template", key)
	return path, port, nil
}
